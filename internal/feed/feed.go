// Package feed serves paginated timeline reads. Each variant composes a
// relational query (the cold source) with a bounded cached collection (the
// hot path), falling back from hot to cold when the cache is absent or
// mid-rebuild. Cache trouble always degrades to slower reads, never to
// failed ones.
package feed

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"timeline-service/internal/feedstore"
	"timeline-service/internal/metrics"
	"timeline-service/internal/models"
	"timeline-service/internal/relation"
	"timeline-service/internal/status"
)

// DefaultLimit is the page size when a caller does not supply one.
const DefaultLimit = 20

// MaxLimit caps one page.
const MaxLimit = 40

type Service struct {
	store      *feedstore.Store
	regen      *feedstore.RegenerationCoordinator
	statuses   *status.Repository
	relations  *relation.Repository
	precompute *Precomputer
	log        *zap.Logger
}

func NewService(store *feedstore.Store, regen *feedstore.RegenerationCoordinator, statuses *status.Repository, relations *relation.Repository, precompute *Precomputer, log *zap.Logger) *Service {
	return &Service{
		store:      store,
		regen:      regen,
		statuses:   statuses,
		relations:  relations,
		precompute: precompute,
		log:        log,
	}
}

func ClampPage(p status.Page) status.Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// hotSource parameterizes the shared hot-path read: the cached key, the
// cold query backing it, the rebuild that repopulates it, and an optional
// post-hydration filter.
type hotSource struct {
	name    string
	key     feedstore.Key
	cold    func(ctx context.Context, p status.Page) ([]*models.Status, error)
	rebuild func(ctx context.Context) ([]*models.Status, error)
	post    func(*models.Status) bool
}

// getCached implements the per-call state machine: regeneration or a cold
// uncursored cache routes to the relational store, everything else reads
// the cache and hydrates.
func (s *Service) getCached(ctx context.Context, src hotSource, p status.Page) ([]*models.Status, error) {
	p = ClampPage(p)

	regenerating, err := s.regen.InProgress(ctx, src.key)
	if err != nil {
		s.log.Warn("regeneration check failed", zap.Error(err))
		return s.cold(ctx, src, p)
	}
	if regenerating {
		return s.cold(ctx, src, p)
	}

	if p.NoCursor() {
		exists, err := s.store.Exists(ctx, src.key)
		if err != nil {
			s.log.Warn("cache existence check failed", zap.Error(err))
			return s.cold(ctx, src, p)
		}
		if !exists {
			// Cold start: rebuild the cache in one pass and answer from
			// its contents.
			rows, err := src.rebuild(ctx)
			if err != nil {
				return nil, err
			}
			metrics.FeedReads.WithLabelValues(src.name, "cold").Inc()
			return s.postFilter(src, firstPage(rows, p.Limit)), nil
		}
	}

	rows, err := s.hot(ctx, src, p)
	if err != nil {
		if errors.Is(err, feedstore.ErrTransientStore) {
			s.log.Warn("hot path unavailable", zap.Error(err))
			return s.cold(ctx, src, p)
		}
		return nil, err
	}
	metrics.FeedReads.WithLabelValues(src.name, "hot").Inc()
	return rows, nil
}

func (s *Service) hot(ctx context.Context, src hotSource, p status.Page) ([]*models.Status, error) {
	var (
		entries []feedstore.Entry
		err     error
	)
	if p.Ascending() {
		entries, err = s.store.Range(ctx, src.key, p.MinID, p.MaxID, p.Limit, feedstore.Ascending)
	} else {
		entries, err = s.store.Range(ctx, src.key, p.SinceID, p.MaxID, p.Limit, feedstore.Descending)
	}
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.MemberID
	}
	// Hydration drops ids with no surviving row; the page may be shorter
	// than limit.
	rows, err := s.statuses.ByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return s.postFilter(src, rows), nil
}

func (s *Service) cold(ctx context.Context, src hotSource, p status.Page) ([]*models.Status, error) {
	rows, err := src.cold(ctx, p)
	if err != nil {
		return nil, err
	}
	metrics.FeedReads.WithLabelValues(src.name, "cold").Inc()
	return s.postFilter(src, rows), nil
}

func (s *Service) postFilter(src hotSource, rows []*models.Status) []*models.Status {
	if src.post == nil {
		return rows
	}
	out := rows[:0]
	for _, st := range rows {
		if src.post(st) {
			out = append(out, st)
		}
	}
	return out
}

func firstPage(rows []*models.Status, limit int) []*models.Status {
	if len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
