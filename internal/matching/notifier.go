package matching

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/models"
)

// Notifier receives the candidate set of a finished match search
type Notifier interface {
	NotifyMatches(ctx context.Context, subject *models.Item, candidates []Candidate) error
}

// LogNotifier writes candidates to the log
type LogNotifier struct{}

func (LogNotifier) NotifyMatches(ctx context.Context, subject *models.Item, candidates []Candidate) error {
	if len(candidates) == 0 {
		log.Debug().Str("item_id", subject.ID).Msg("No potential matches")
		return nil
	}
	for _, c := range candidates {
		log.Info().
			Str("item_id", subject.ID).
			Str("match_id", c.Item.ID).
			Str("match_title", c.Item.Title).
			Str("pass", string(c.Pass)).
			Msg("Potential match")
	}
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyMatches(ctx context.Context, subject *models.Item, candidates []Candidate) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyMatches(ctx, subject, candidates); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run searches for matches and hands the result to notifier.
// Notification errors are logged.
func Run(ctx context.Context, finder *Finder, notifier Notifier, subject *models.Item) []Candidate {
	candidates := finder.FindMatches(ctx, subject)
	if notifier == nil {
		return candidates
	}
	if err := notifier.NotifyMatches(ctx, subject, candidates); err != nil {
		log.Error().Err(err).Str("item_id", subject.ID).Msg("Failed to deliver match notification")
	}
	return candidates
}
