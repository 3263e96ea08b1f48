package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/echofind/echofind/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no record
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken is returned when registering an email that already exists
	ErrEmailTaken = errors.New("email already registered")
)

// KeywordQuery describes the category/location/keyword lookup used by matching
type KeywordQuery struct {
	Status   models.ItemStatus
	Category models.ItemCategory
	Location string
	Title    string
	Terms    []string
}

// ItemStore persists item posts and answers matching queries.
// Every Find* method only returns items whose isMatched flag is false.
type ItemStore interface {
	CreateItem(ctx context.Context, item *models.Item) error
	GetItem(ctx context.Context, id string) (*models.Item, error)
	ListItems(ctx context.Context, filter models.ItemFilter) ([]*models.Item, error)
	UpdateItem(ctx context.Context, item *models.Item) error
	DeleteItem(ctx context.Context, id string) error

	FindByIdentifier(ctx context.Context, identifier string, status models.ItemStatus) (*models.Item, error)
	FindByCandidates(ctx context.Context, candidates []string, status models.ItemStatus) ([]*models.Item, error)
	FindByKeywords(ctx context.Context, q KeywordQuery) ([]*models.Item, error)
}

// UserStore persists registered users
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Storage is implemented by every database backend
type Storage interface {
	ItemStore
	UserStore
	HealthCheck(ctx context.Context) error
	Close() error
}

// nonEmpty drops blank strings
func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
