package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/models"
)

// schema is shared by the Postgres and SQLite backends
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            VARCHAR(36) PRIMARY KEY,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
	id                VARCHAR(36) PRIMARY KEY,
	status            VARCHAR(20) NOT NULL,
	category          VARCHAR(50) NOT NULL,
	title             TEXT NOT NULL,
	description       TEXT NOT NULL,
	location          TEXT NOT NULL,
	event_date        TIMESTAMP NOT NULL,
	image_url         TEXT NOT NULL DEFAULT '',
	unique_identifier TEXT NOT NULL DEFAULT '',
	owner_id          VARCHAR(36) NOT NULL,
	owner_email       TEXT NOT NULL,
	is_matched        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_status_matched ON items(status, is_matched);
CREATE INDEX IF NOT EXISTS idx_items_unique_identifier ON items(unique_identifier);
CREATE INDEX IF NOT EXISTS idx_items_owner_id ON items(owner_id);`

const itemColumns = `id, status, category, title, description, location, event_date,
	image_url, unique_identifier, owner_id, owner_email, is_matched,
	created_at, updated_at`

// unmatchedOpposite scopes every matching query
const unmatchedOpposite = `status = ? AND is_matched = FALSE`

// SQLStorage implements Storage on database/sql. Queries are written with
// '?' placeholders and rebound for drivers that use numbered parameters.
type SQLStorage struct {
	db       *sql.DB
	numbered bool
	// lower is the SQL function used to case-fold columns before LIKE
	lower string
}

func newSQLStorage(db *sql.DB, numbered bool, lower string) (*SQLStorage, error) {
	s := &SQLStorage{db: db, numbered: numbered, lower: lower}
	if err := s.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize db schema: %w", err)
	}
	return s, nil
}

// Init creates necessary tables
func (s *SQLStorage) Init() error {
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle
func (s *SQLStorage) DB() *sql.DB {
	return s.db
}

// rebind rewrites '?' placeholders to $1..$n when the driver needs it
func (s *SQLStorage) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) CreateItem(ctx context.Context, item *models.Item) error {
	query := s.rebind(`
	INSERT INTO items (` + itemColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, query,
		item.ID, string(item.Status), string(item.Category), item.Title, item.Description,
		item.Location, item.Date, item.ImageURL, item.UniqueIdentifier,
		item.OwnerID, item.OwnerEmail, item.IsMatched,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to save item")
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID
func (s *SQLStorage) GetItem(ctx context.Context, id string) (*models.Item, error) {
	query := s.rebind(`SELECT ` + itemColumns + ` FROM items WHERE id = ?`)

	item, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// ListItems returns items matching filter, newest first
func (s *SQLStorage) ListItems(ctx context.Context, filter models.ItemFilter) ([]*models.Item, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := likePattern(search)
		where = append(where, `(`+s.containsClause("title")+` OR `+s.containsClause("description")+` OR `+s.containsClause("location")+`)`)
		args = append(args, pattern, pattern, pattern)
	}

	query := `SELECT ` + itemColumns + ` FROM items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	return s.queryItems(ctx, query, args...)
}

func (s *SQLStorage) UpdateItem(ctx context.Context, item *models.Item) error {
	query := s.rebind(`
	UPDATE items SET
		status = ?, category = ?, title = ?, description = ?, location = ?,
		event_date = ?, image_url = ?, unique_identifier = ?, is_matched = ?,
		updated_at = ?
	WHERE id = ?`)

	item.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		string(item.Status), string(item.Category), item.Title, item.Description, item.Location,
		item.Date, item.ImageURL, item.UniqueIdentifier, item.IsMatched,
		item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLStorage) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM items WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	return requireAffected(res)
}

// FindByIdentifier returns one unmatched item with exactly this identifier
func (s *SQLStorage) FindByIdentifier(ctx context.Context, identifier string, status models.ItemStatus) (*models.Item, error) {
	query := s.rebind(`SELECT ` + itemColumns + ` FROM items
	WHERE unique_identifier = ? AND ` + unmatchedOpposite + `
	ORDER BY created_at ASC LIMIT 1`)

	item, err := scanItem(s.db.QueryRowContext(ctx, query, identifier, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding item by identifier: %w", err)
	}
	return item, nil
}

// FindByCandidates returns unmatched items whose identifier, title or
// description contains any candidate string
func (s *SQLStorage) FindByCandidates(ctx context.Context, candidates []string, status models.ItemStatus) ([]*models.Item, error) {
	candidates = nonEmpty(candidates)
	if len(candidates) == 0 {
		return nil, nil
	}

	args := []any{string(status)}
	var ors []string
	for _, c := range candidates {
		pattern := likePattern(c)
		ors = append(ors, s.containsClause("unique_identifier"), s.containsClause("title"), s.containsClause("description"))
		args = append(args, pattern, pattern, pattern)
	}

	query := `SELECT ` + itemColumns + ` FROM items
	WHERE ` + unmatchedOpposite + ` AND (` + strings.Join(ors, " OR ") + `)
	ORDER BY created_at DESC`

	return s.queryItems(ctx, query, args...)
}

// FindByKeywords returns unmatched items in the same category whose location
// contains q.Location and whose title contains q.Title or description
// contains any of q.Terms
func (s *SQLStorage) FindByKeywords(ctx context.Context, q KeywordQuery) ([]*models.Item, error) {
	args := []any{string(q.Status), string(q.Category), likePattern(q.Location), likePattern(q.Title)}
	ors := []string{s.containsClause("title")}
	for _, term := range nonEmpty(q.Terms) {
		ors = append(ors, s.containsClause("description"))
		args = append(args, likePattern(term))
	}

	query := `SELECT ` + itemColumns + ` FROM items
	WHERE ` + unmatchedOpposite + ` AND category = ? AND ` + s.containsClause("location") + `
	AND (` + strings.Join(ors, " OR ") + `)
	ORDER BY created_at DESC`

	return s.queryItems(ctx, query, args...)
}

func (s *SQLStorage) CreateUser(ctx context.Context, user *models.User) error {
	query := s.rebind(`
	INSERT INTO users (id, name, email, password_hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`)

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Name, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `id = ?`, id)
}

func (s *SQLStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `email = ?`, models.NormalizeEmail(email))
}

func (s *SQLStorage) getUser(ctx context.Context, cond string, arg any) (*models.User, error) {
	query := s.rebind(`SELECT id, name, email, password_hash, created_at, updated_at FROM users WHERE ` + cond)

	user := &models.User{}
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return user, nil
}

// HealthCheck verifies the database connection
func (s *SQLStorage) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) queryItems(ctx context.Context, query string, args ...any) ([]*models.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.Item, error) {
	item := &models.Item{}
	var status, category string
	err := row.Scan(
		&item.ID, &status, &category, &item.Title, &item.Description, &item.Location,
		&item.Date, &item.ImageURL, &item.UniqueIdentifier, &item.OwnerID, &item.OwnerEmail,
		&item.IsMatched, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = models.ItemStatus(status)
	item.Category = models.ItemCategory(category)
	return item, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// containsClause is a case-insensitive substring test against a likePattern argument
func (s *SQLStorage) containsClause(column string) string {
	return s.lower + `(` + column + `) LIKE ? ESCAPE '\'`
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern lower-cases s and escapes LIKE metacharacters so it matches literally
func likePattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
