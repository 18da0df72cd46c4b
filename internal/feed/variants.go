package feed

import (
	"context"

	"go.uber.org/zap"

	"timeline-service/internal/feedstore"
	"timeline-service/internal/metrics"
	"timeline-service/internal/models"
	"timeline-service/internal/status"
)

// HomeTimeline serves the owner's home feed: own statuses plus statuses
// from followed accounts, from the cache when it is warm.
func (s *Service) HomeTimeline(ctx context.Context, ownerID uint64, p status.Page) ([]*models.Status, error) {
	src := hotSource{
		name: "home",
		key:  feedstore.HomeKey(ownerID),
		cold: func(ctx context.Context, p status.Page) ([]*models.Status, error) {
			return s.statuses.HomePage(ctx, ownerID, p)
		},
		rebuild: func(ctx context.Context) ([]*models.Status, error) {
			return s.precompute.Home(ctx, ownerID)
		},
	}
	return s.getCached(ctx, src, p)
}

// ListTimeline mirrors the home mechanics keyed by list id; the cold scope
// is statuses from the list's members.
func (s *Service) ListTimeline(ctx context.Context, listID uint64, p status.Page) ([]*models.Status, error) {
	src := hotSource{
		name: "list",
		key:  feedstore.ListKey(listID),
		cold: func(ctx context.Context, p status.Page) ([]*models.Status, error) {
			return s.statuses.ListPage(ctx, listID, p)
		},
		rebuild: func(ctx context.Context) ([]*models.Status, error) {
			return s.precompute.List(ctx, listID)
		},
	}
	return s.getCached(ctx, src, p)
}

// DirectTimeline serves the owner's conversations. Redaction rules that
// cannot be pushed into the query run after hydration, so an apparently
// empty page may hide older visible items: the read backfills by advancing
// its own cursor until items surface or the source is exhausted.
func (s *Service) DirectTimeline(ctx context.Context, ownerID uint64, p status.Page) ([]*models.Status, error) {
	p = ClampPage(p)

	src := hotSource{
		name: "direct",
		key:  feedstore.DirectKey(ownerID),
		cold: func(ctx context.Context, p status.Page) ([]*models.Status, error) {
			return s.statuses.DirectPage(ctx, ownerID, p)
		},
		rebuild: func(ctx context.Context) ([]*models.Status, error) {
			return s.precompute.Direct(ctx, ownerID)
		},
		post: func(st *models.Status) bool {
			return !s.redacted(ctx, st, ownerID)
		},
	}

	rows, err := s.getCached(ctx, src, p)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 || p.Ascending() {
		return rows, nil
	}

	// Backfill: walk the cold source page by page; terminates when the
	// source is exhausted, so the loop is bounded by table size, not by
	// luck.
	cursor := p
	for {
		raw, err := s.statuses.DirectPage(ctx, ownerID, cursor)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return rows, nil
		}
		kept := s.postFilter(src, raw)
		if len(kept) > 0 {
			metrics.FeedReads.WithLabelValues(src.name, "cold").Inc()
			return firstPage(kept, p.Limit), nil
		}
		cursor.MaxID = raw[len(raw)-1].ID
	}
}

// redacted applies per-item conversation rules not encodable in the query:
// the owner must still be allowed to see the counterpart.
func (s *Service) redacted(ctx context.Context, st *models.Status, ownerID uint64) bool {
	if st.AccountID == ownerID {
		return false
	}
	cr, err := s.relations.BuildCrutches(ctx, st, []uint64{ownerID})
	if err != nil {
		s.log.Warn("redaction check failed", zap.Error(err))
		return false
	}
	return cr.Blocking[ownerID] || cr.Muting[ownerID] || cr.BlockedBy[ownerID]
}

// PublicTimeline is cold-only: the federated firehose is served straight
// from the relational scope with the viewer's exclusions applied in SQL.
func (s *Service) PublicTimeline(ctx context.Context, viewerID uint64, opts status.PublicOptions, p status.Page) ([]*models.Status, error) {
	p = ClampPage(p)
	rows, err := s.statuses.PublicPage(ctx, viewerID, opts, p)
	if err != nil {
		return nil, err
	}
	metrics.FeedReads.WithLabelValues("public", "cold").Inc()
	return rows, nil
}

func (s *Service) TagTimeline(ctx context.Context, viewerID uint64, opts status.TagOptions, p status.Page) ([]*models.Status, error) {
	p = ClampPage(p)
	rows, err := s.statuses.TagPage(ctx, viewerID, opts, p)
	if err != nil {
		return nil, err
	}
	metrics.FeedReads.WithLabelValues("tag", "cold").Inc()
	return rows, nil
}

func (s *Service) GroupTimeline(ctx context.Context, groupID, viewerID uint64, p status.Page) ([]*models.Status, error) {
	p = ClampPage(p)
	rows, err := s.statuses.GroupPage(ctx, groupID, viewerID, p)
	if err != nil {
		return nil, err
	}
	metrics.FeedReads.WithLabelValues("group", "cold").Inc()
	return rows, nil
}

func (s *Service) LinkTimeline(ctx context.Context, cardURL string, viewerID uint64, p status.Page) ([]*models.Status, error) {
	p = ClampPage(p)
	rows, err := s.statuses.LinkPage(ctx, cardURL, viewerID, p)
	if err != nil {
		return nil, err
	}
	metrics.FeedReads.WithLabelValues("link", "cold").Inc()
	return rows, nil
}
