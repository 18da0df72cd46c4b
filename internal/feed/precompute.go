package feed

import (
	"context"

	"go.uber.org/zap"

	"timeline-service/internal/feedstore"
	"timeline-service/internal/filter"
	"timeline-service/internal/metrics"
	"timeline-service/internal/models"
	"timeline-service/internal/relation"
	"timeline-service/internal/status"
)

// Precomputer rebuilds one owner's cached feed from the relational store
// in a single pass. It holds the regeneration marker for the duration so
// concurrent reads route around the half-built cache, and returns the
// eligible rows so the triggering request is answered without a second
// round trip.
type Precomputer struct {
	store     *feedstore.Store
	regen     *feedstore.RegenerationCoordinator
	statuses  *status.Repository
	relations *relation.Repository
	log       *zap.Logger
}

func NewPrecomputer(store *feedstore.Store, regen *feedstore.RegenerationCoordinator, statuses *status.Repository, relations *relation.Repository, log *zap.Logger) *Precomputer {
	return &Precomputer{
		store:     store,
		regen:     regen,
		statuses:  statuses,
		relations: relations,
		log:       log,
	}
}

func (p *Precomputer) Home(ctx context.Context, ownerID uint64) ([]*models.Status, error) {
	key := feedstore.HomeKey(ownerID)
	return p.rebuild(ctx, key, func(ctx context.Context, limit int) ([]*models.Status, error) {
		rows, err := p.statuses.HomePage(ctx, ownerID, status.Page{Limit: limit})
		if err != nil {
			return nil, err
		}
		kept := rows[:0]
		for _, st := range rows {
			cr, err := p.relations.BuildCrutches(ctx, st, []uint64{ownerID})
			if err != nil {
				return nil, err
			}
			if filter.FromHome(st, ownerID, cr) {
				continue
			}
			kept = append(kept, st)
		}
		return kept, nil
	})
}

func (p *Precomputer) List(ctx context.Context, listID uint64) ([]*models.Status, error) {
	key := feedstore.ListKey(listID)
	return p.rebuild(ctx, key, func(ctx context.Context, limit int) ([]*models.Status, error) {
		list, err := p.relations.ListByID(ctx, listID)
		if err != nil {
			return nil, err
		}
		members, err := p.relations.ListMemberSet(ctx, listID)
		if err != nil {
			return nil, err
		}
		rows, err := p.statuses.ListPage(ctx, listID, status.Page{Limit: limit})
		if err != nil {
			return nil, err
		}
		kept := rows[:0]
		for _, st := range rows {
			if filter.FromList(st, list, members) {
				continue
			}
			kept = append(kept, st)
		}
		return kept, nil
	})
}

func (p *Precomputer) Direct(ctx context.Context, ownerID uint64) ([]*models.Status, error) {
	key := feedstore.DirectKey(ownerID)
	return p.rebuild(ctx, key, func(ctx context.Context, limit int) ([]*models.Status, error) {
		return p.statuses.DirectPage(ctx, ownerID, status.Page{Limit: limit})
	})
}

func (p *Precomputer) rebuild(ctx context.Context, key feedstore.Key, collect func(context.Context, int) ([]*models.Status, error)) ([]*models.Status, error) {
	if err := p.regen.Begin(ctx, key); err != nil {
		// Cannot hold the marker; serve the cold rows without touching
		// the cache rather than risking a half-visible rebuild.
		p.log.Warn("regeneration begin failed", zap.Error(err))
		return collect(ctx, p.store.Limits().For(key.Type))
	}
	defer func() {
		if err := p.regen.End(ctx, key); err != nil {
			// Left set, the marker self-expires; reads keep using the
			// cold path until then.
			p.log.Warn("regeneration end failed", zap.Error(err))
		}
	}()

	limit := p.store.Limits().For(key.Type)
	rows, err := collect(ctx, limit)
	if err != nil {
		return nil, err
	}

	if err := p.store.Clear(ctx, key); err != nil {
		p.log.Warn("cache clear failed", zap.Error(err))
		return rows, nil
	}
	entries := make([]feedstore.Entry, len(rows))
	for i, st := range rows {
		entries[i] = feedstore.Entry{MemberID: st.ID, Score: float64(st.ID)}
	}
	if err := p.store.InsertEntries(ctx, key, entries); err != nil {
		p.log.Warn("cache fill failed", zap.Error(err))
		return rows, nil
	}

	metrics.Precomputes.Inc()
	return rows, nil
}
