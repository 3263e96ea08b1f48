package models

import (
	"fmt"
	"strings"
	"time"
)

// ItemStatus is the lifecycle state of an item post
type ItemStatus string

const (
	StatusLost     ItemStatus = "Lost"
	StatusFound    ItemStatus = "Found"
	StatusResolved ItemStatus = "Resolved"
)

// Opposite returns the status a matching search should target.
// Resolved items have no opposite.
func (s ItemStatus) Opposite() (ItemStatus, bool) {
	switch s {
	case StatusLost:
		return StatusFound, true
	case StatusFound:
		return StatusLost, true
	default:
		return "", false
	}
}

// Valid reports whether s is a known status
func (s ItemStatus) Valid() bool {
	return s == StatusLost || s == StatusFound || s == StatusResolved
}

// ItemCategory describes the kind of item
type ItemCategory string

const (
	CategoryElectronics ItemCategory = "Electronics"
	CategoryDocuments   ItemCategory = "Documents"
	CategoryWallets     ItemCategory = "Wallets"
	CategoryKeys        ItemCategory = "Keys"
	CategoryPets        ItemCategory = "Pets"
	CategoryOther       ItemCategory = "Other"
)

// Categories lists every category in display order
var Categories = []ItemCategory{
	CategoryElectronics,
	CategoryDocuments,
	CategoryWallets,
	CategoryKeys,
	CategoryPets,
	CategoryOther,
}

// Valid reports whether c is one of Categories
func (c ItemCategory) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Item represents a lost or found post
type Item struct {
	ID               string       `json:"id" bson:"_id"`
	Status           ItemStatus   `json:"status" bson:"status"`
	Category         ItemCategory `json:"category" bson:"category"`
	Title            string       `json:"title" bson:"title"`
	Description      string       `json:"description" bson:"description"`
	Location         string       `json:"location" bson:"location"`
	Date             time.Time    `json:"date" bson:"date"`
	ImageURL         string       `json:"imageUrl,omitempty" bson:"imageUrl,omitempty"`
	UniqueIdentifier string       `json:"uniqueIdentifier,omitempty" bson:"uniqueIdentifier,omitempty"`
	OwnerID          string       `json:"ownerId" bson:"ownerId"`
	OwnerEmail       string       `json:"ownerEmail" bson:"ownerEmail"`
	IsMatched        bool         `json:"isMatched" bson:"isMatched"`
	CreatedAt        time.Time    `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt" bson:"updatedAt"`
}

// ItemFilter narrows ListItems. Zero values match everything.
type ItemFilter struct {
	Status   ItemStatus
	Category ItemCategory
	Search   string
	OwnerID  string
}

// CreateItemRequest represents the body for creating an item
type CreateItemRequest struct {
	Status           ItemStatus   `json:"status"`
	Category         ItemCategory `json:"category"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	Location         string       `json:"location"`
	Date             string       `json:"date"`
	ImageURL         string       `json:"imageUrl"`
	UniqueIdentifier string       `json:"uniqueIdentifier"`
}

// Normalize trims surrounding whitespace from every text field
func (r *CreateItemRequest) Normalize() {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.Location = strings.TrimSpace(r.Location)
	r.Date = strings.TrimSpace(r.Date)
	r.ImageURL = strings.TrimSpace(r.ImageURL)
	r.UniqueIdentifier = strings.TrimSpace(r.UniqueIdentifier)
}

// Validate checks required fields and returns the parsed event date
func (r *CreateItemRequest) Validate() (time.Time, error) {
	if r.Status != StatusLost && r.Status != StatusFound {
		return time.Time{}, fmt.Errorf("status must be %s or %s", StatusLost, StatusFound)
	}
	if !r.Category.Valid() {
		return time.Time{}, fmt.Errorf("unknown category %q", r.Category)
	}
	if r.Title == "" || r.Description == "" || r.Location == "" {
		return time.Time{}, fmt.Errorf("title, description and location are required")
	}
	if r.Date == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	return ParseDate(r.Date)
}

// UpdateItemRequest carries optional field edits. Nil fields are left unchanged.
type UpdateItemRequest struct {
	Status           *ItemStatus   `json:"status"`
	Category         *ItemCategory `json:"category"`
	Title            *string       `json:"title"`
	Description      *string       `json:"description"`
	Location         *string       `json:"location"`
	Date             *string       `json:"date"`
	ImageURL         *string       `json:"imageUrl"`
	UniqueIdentifier *string       `json:"uniqueIdentifier"`
}

// Apply validates the edits and writes them onto item
func (r *UpdateItemRequest) Apply(item *Item) error {
	if r.Status != nil {
		if *r.Status != StatusLost && *r.Status != StatusFound {
			return fmt.Errorf("status must be %s or %s", StatusLost, StatusFound)
		}
		if item.Status == StatusResolved {
			return fmt.Errorf("resolved items cannot change status")
		}
		item.Status = *r.Status
	}
	if r.Category != nil {
		if !r.Category.Valid() {
			return fmt.Errorf("unknown category %q", *r.Category)
		}
		item.Category = *r.Category
	}
	required := []struct {
		src  *string
		dst  *string
		name string
	}{
		{r.Title, &item.Title, "title"},
		{r.Description, &item.Description, "description"},
		{r.Location, &item.Location, "location"},
	}
	for _, f := range required {
		if f.src == nil {
			continue
		}
		v := strings.TrimSpace(*f.src)
		if v == "" {
			return fmt.Errorf("%s cannot be empty", f.name)
		}
		*f.dst = v
	}
	if r.Date != nil {
		date, err := ParseDate(strings.TrimSpace(*r.Date))
		if err != nil {
			return err
		}
		item.Date = date
	}
	if r.ImageURL != nil {
		item.ImageURL = strings.TrimSpace(*r.ImageURL)
	}
	if r.UniqueIdentifier != nil {
		item.UniqueIdentifier = strings.TrimSpace(*r.UniqueIdentifier)
	}
	return nil
}

// ParseDate accepts a plain date (2006-01-02) or an RFC3339 timestamp
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD", s)
	}
	return t, nil
}

// ItemCreatedEvent is published when a new item is persisted
type ItemCreatedEvent struct {
	ID        string       `json:"id"`
	Status    ItemStatus   `json:"status"`
	Category  ItemCategory `json:"category"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
}

// MatchCandidate is one entry of a MatchesFoundEvent
type MatchCandidate struct {
	ItemID     string `json:"item_id"`
	Title      string `json:"title"`
	OwnerEmail string `json:"owner_email"`
	Pass       string `json:"pass"`
}

// MatchesFoundEvent carries the candidate set for a subject item
type MatchesFoundEvent struct {
	ItemID     string           `json:"item_id"`
	OwnerEmail string           `json:"owner_email"`
	Candidates []MatchCandidate `json:"candidates"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ItemResolvedEvent is published when an owner resolves an item
type ItemResolvedEvent struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Timestamp time.Time `json:"timestamp"`
}

// VisionAnalysisResponse is the suggestion returned for an uploaded photo
type VisionAnalysisResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Confidence  string `json:"confidence"`
	ImageURL    string `json:"imageUrl,omitempty"`
}
