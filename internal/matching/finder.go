// Package matching pairs new lost and found posts with existing posts of
// the opposite status.
package matching

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/models"
	"github.com/echofind/echofind/internal/storage"
)

// Pass names the heuristic that surfaced a candidate
type Pass string

const (
	PassExactIdentifier Pass = "exact_identifier"
	PassAIIdentifier    Pass = "ai_identifier"
	PassKeyword         Pass = "keyword"
)

// minTermLength is the shortest description token kept as a search term
const minTermLength = 4

// IdentifierExtractor finds identifiers such as serial numbers in a photo
// and its description.
type IdentifierExtractor interface {
	ExtractIdentifiers(ctx context.Context, imageURL, text, category string) ([]string, error)
}

// Store is the item query surface the finder needs
type Store interface {
	FindByIdentifier(ctx context.Context, identifier string, status models.ItemStatus) (*models.Item, error)
	FindByCandidates(ctx context.Context, candidates []string, status models.ItemStatus) ([]*models.Item, error)
	FindByKeywords(ctx context.Context, q storage.KeywordQuery) ([]*models.Item, error)
}

// Candidate is a potential match and the pass that found it
type Candidate struct {
	Item *models.Item `json:"item"`
	Pass Pass         `json:"pass"`
}

// Finder runs the matching passes for one subject item
type Finder struct {
	store            Store
	extractor        IdentifierExtractor
	extractorTimeout time.Duration
}

// NewFinder creates a Finder. A nil extractor disables the AI pass.
func NewFinder(store Store, extractor IdentifierExtractor, extractorTimeout time.Duration) *Finder {
	return &Finder{
		store:            store,
		extractor:        extractor,
		extractorTimeout: extractorTimeout,
	}
}

// FindMatches returns the opposite-status, unmatched items that may be the
// same object as subject. An exact identifier hit is returned alone.
// Otherwise the AI and keyword passes both run and their hits are
// concatenated, so an item may appear once per pass. Failures are logged
// and never returned; neither side is modified.
func (f *Finder) FindMatches(ctx context.Context, subject *models.Item) []Candidate {
	target, ok := subject.Status.Opposite()
	if !ok {
		log.Debug().Str("item_id", subject.ID).Str("status", string(subject.Status)).Msg("No opposite status, skipping match search")
		return nil
	}

	start := time.Now()
	matchRuns.Inc()
	defer func() { matchDuration.Observe(time.Since(start).Seconds()) }()

	logger := log.With().Str("item_id", subject.ID).Str("target_status", string(target)).Logger()

	if identifier := strings.TrimSpace(subject.UniqueIdentifier); identifier != "" {
		item, err := f.store.FindByIdentifier(ctx, identifier, target)
		switch {
		case err == nil:
			matchCandidates.WithLabelValues(string(PassExactIdentifier)).Inc()
			logger.Info().Str("match_id", item.ID).Msg("Exact identifier match found")
			return []Candidate{{Item: item, Pass: PassExactIdentifier}}
		case errors.Is(err, storage.ErrNotFound):
		default:
			passFailures.WithLabelValues(string(PassExactIdentifier)).Inc()
			logger.Error().Err(err).Msg("Exact identifier lookup failed")
		}
	}

	var candidates []Candidate
	candidates = append(candidates, f.aiPass(ctx, subject, target)...)
	candidates = append(candidates, f.keywordPass(ctx, subject, target)...)

	logger.Info().Int("candidates", len(candidates)).Msg("Match search finished")
	return candidates
}

func (f *Finder) aiPass(ctx context.Context, subject *models.Item, target models.ItemStatus) []Candidate {
	if f.extractor == nil || subject.ImageURL == "" {
		return nil
	}

	extractCtx := ctx
	if f.extractorTimeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, f.extractorTimeout)
		defer cancel()
	}

	start := time.Now()
	text := subject.Title + " " + subject.Description
	identifiers, err := f.extractor.ExtractIdentifiers(extractCtx, subject.ImageURL, text, string(subject.Category))
	extractorDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		passFailures.WithLabelValues(string(PassAIIdentifier)).Inc()
		log.Warn().Err(err).Str("item_id", subject.ID).Msg("Identifier extraction failed")
		return nil
	}
	if len(identifiers) == 0 {
		return nil
	}

	items, err := f.store.FindByCandidates(ctx, identifiers, target)
	if err != nil {
		passFailures.WithLabelValues(string(PassAIIdentifier)).Inc()
		log.Error().Err(err).Str("item_id", subject.ID).Msg("Identifier candidate lookup failed")
		return nil
	}
	return tag(items, PassAIIdentifier)
}

func (f *Finder) keywordPass(ctx context.Context, subject *models.Item, target models.ItemStatus) []Candidate {
	items, err := f.store.FindByKeywords(ctx, storage.KeywordQuery{
		Status:   target,
		Category: subject.Category,
		Location: subject.Location,
		Title:    subject.Title,
		Terms:    ExtractTerms(subject.Description),
	})
	if err != nil {
		passFailures.WithLabelValues(string(PassKeyword)).Inc()
		log.Error().Err(err).Str("item_id", subject.ID).Msg("Keyword lookup failed")
		return nil
	}
	return tag(items, PassKeyword)
}

func tag(items []*models.Item, pass Pass) []Candidate {
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		out = append(out, Candidate{Item: item, Pass: pass})
	}
	matchCandidates.WithLabelValues(string(pass)).Add(float64(len(out)))
	return out
}

// ExtractTerms splits a description on whitespace and keeps tokens longer
// than three characters.
func ExtractTerms(description string) []string {
	var terms []string
	for _, token := range strings.Fields(description) {
		if utf8.RuneCountInString(token) >= minTermLength {
			terms = append(terms, token)
		}
	}
	return terms
}

// Summaries converts candidates to their event form
func Summaries(candidates []Candidate) []models.MatchCandidate {
	out := make([]models.MatchCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, models.MatchCandidate{
			ItemID:     c.Item.ID,
			Title:      c.Item.Title,
			OwnerEmail: c.Item.OwnerEmail,
			Pass:       string(c.Pass),
		})
	}
	return out
}
