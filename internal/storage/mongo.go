package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/echofind/echofind/internal/models"
)

// MongoStorage implements Storage on a MongoDB database
type MongoStorage struct {
	client *mongo.Client
	items  *mongo.Collection
	users  *mongo.Collection
}

// NewMongoStorage connects to uri and prepares the items and users collections
func NewMongoStorage(uri, database string) (*MongoStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	s := &MongoStorage{
		client: client,
		items:  db.Collection("items"),
		users:  db.Collection("users"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info().Str("database", database).Msg("MongoDB storage initialized")
	return s, nil
}

func (s *MongoStorage) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating users index: %w", err)
	}

	_, err = s.items.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "isMatched", Value: 1}}},
		{Keys: bson.D{{Key: "uniqueIdentifier", Value: 1}}},
		{Keys: bson.D{{Key: "ownerId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating items indexes: %w", err)
	}
	return nil
}

func (s *MongoStorage) CreateItem(ctx context.Context, item *models.Item) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if _, err := s.items.InsertOne(ctx, item); err != nil {
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

func (s *MongoStorage) GetItem(ctx context.Context, id string) (*models.Item, error) {
	return s.findOne(ctx, bson.M{"_id": id}, nil)
}

func (s *MongoStorage) ListItems(ctx context.Context, filter models.ItemFilter) ([]*models.Item, error) {
	return s.find(ctx, listFilter(filter))
}

func (s *MongoStorage) UpdateItem(ctx context.Context, item *models.Item) error {
	item.UpdatedAt = time.Now().UTC()
	res, err := s.items.ReplaceOne(ctx, bson.M{"_id": item.ID}, item)
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStorage) DeleteItem(ctx context.Context, id string) error {
	res, err := s.items.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStorage) FindByIdentifier(ctx context.Context, identifier string, status models.ItemStatus) (*models.Item, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	return s.findOne(ctx, identifierFilter(identifier, status), opts)
}

func (s *MongoStorage) FindByCandidates(ctx context.Context, candidates []string, status models.ItemStatus) ([]*models.Item, error) {
	query := candidatesFilter(candidates, status)
	if query == nil {
		return nil, nil
	}
	return s.find(ctx, query)
}

func (s *MongoStorage) FindByKeywords(ctx context.Context, q KeywordQuery) ([]*models.Item, error) {
	return s.find(ctx, keywordFilter(q))
}

func listFilter(filter models.ItemFilter) bson.M {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Category != "" {
		query["category"] = filter.Category
	}
	if filter.OwnerID != "" {
		query["ownerId"] = filter.OwnerID
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		re := containsRegex(search)
		query["$or"] = bson.A{
			bson.M{"title": re},
			bson.M{"description": re},
			bson.M{"location": re},
		}
	}
	return query
}

func identifierFilter(identifier string, status models.ItemStatus) bson.M {
	return bson.M{
		"uniqueIdentifier": identifier,
		"status":           status,
		"isMatched":        false,
	}
}

// candidatesFilter returns nil when no candidate is usable
func candidatesFilter(candidates []string, status models.ItemStatus) bson.M {
	candidates = nonEmpty(candidates)
	if len(candidates) == 0 {
		return nil
	}

	regexes := containsRegexes(candidates)
	return bson.M{
		"status":    status,
		"isMatched": false,
		"$or": bson.A{
			bson.M{"uniqueIdentifier": bson.M{"$in": regexes}},
			bson.M{"title": bson.M{"$in": regexes}},
			bson.M{"description": bson.M{"$in": regexes}},
		},
	}
}

func keywordFilter(q KeywordQuery) bson.M {
	or := bson.A{bson.M{"title": containsRegex(q.Title)}}
	if terms := nonEmpty(q.Terms); len(terms) > 0 {
		or = append(or, bson.M{"description": bson.M{"$in": containsRegexes(terms)}})
	}

	return bson.M{
		"status":    q.Status,
		"isMatched": false,
		"category":  q.Category,
		"location":  containsRegex(q.Location),
		"$or":       or,
	}
}

func containsRegexes(values []string) bson.A {
	regexes := make(bson.A, 0, len(values))
	for _, v := range values {
		regexes = append(regexes, containsRegex(v))
	}
	return regexes
}

func (s *MongoStorage) CreateUser(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	_, err := s.users.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (s *MongoStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *MongoStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"email": models.NormalizeEmail(email)})
}

// HealthCheck verifies the MongoDB connection
func (s *MongoStorage) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("MongoDB health check failed: %w", err)
	}
	return nil
}

func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStorage) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (*models.Item, error) {
	var findOpts []*options.FindOneOptions
	if opts != nil {
		findOpts = append(findOpts, opts)
	}

	item := &models.Item{}
	err := s.items.FindOne(ctx, filter, findOpts...).Decode(item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding item: %w", err)
	}
	return item, nil
}

func (s *MongoStorage) find(ctx context.Context, filter bson.M) ([]*models.Item, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := s.items.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer cursor.Close(ctx)

	var items []*models.Item
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("decoding items: %w", err)
	}
	return items, nil
}

func (s *MongoStorage) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	user := &models.User{}
	err := s.users.FindOne(ctx, filter).Decode(user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	return user, nil
}

// containsRegex matches s literally anywhere in a field, ignoring case
func containsRegex(s string) primitive.Regex {
	return primitive.Regex{Pattern: regexp.QuoteMeta(s), Options: "i"}
}
