package fanout

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"timeline-service/internal/feedstore"
	"timeline-service/internal/filter"
	"timeline-service/internal/models"
	"timeline-service/internal/relation"
	"timeline-service/internal/status"
)

// Manager performs the per-recipient feed mutations. Reblogs of one status
// are aggregated: while a status (or a reblog of it) sits within
// reblogFalloff entries of the top of a feed, further reblogs of it queue
// behind the shown one instead of inserting again.
type Manager struct {
	store         *feedstore.Store
	rdb           *redis.Client
	statuses      *status.Repository
	relations     *relation.Repository
	reblogFalloff int
	mergeSize     int
	log           *zap.Logger
}

func NewManager(store *feedstore.Store, statuses *status.Repository, relations *relation.Repository, reblogFalloff, mergeSize int, log *zap.Logger) *Manager {
	return &Manager{
		store:         store,
		rdb:           store.Client(),
		statuses:      statuses,
		relations:     relations,
		reblogFalloff: reblogFalloff,
		mergeSize:     mergeSize,
		log:           log,
	}
}

func (m *Manager) PushToHome(ctx context.Context, accountID uint64, st *models.Status) (bool, error) {
	return m.addToFeed(ctx, feedstore.HomeKey(accountID), st)
}

func (m *Manager) UnpushFromHome(ctx context.Context, accountID uint64, st *models.Status) (bool, error) {
	return m.removeFromFeed(ctx, feedstore.HomeKey(accountID), st)
}

func (m *Manager) PushToList(ctx context.Context, list *models.List, st *models.Status) (bool, error) {
	if st.IsReply() {
		members, err := m.relations.ListMemberSet(ctx, list.ID)
		if err != nil {
			return false, err
		}
		if filter.FromList(st, list, members) {
			return false, nil
		}
	}
	return m.addToFeed(ctx, feedstore.ListKey(list.ID), st)
}

func (m *Manager) UnpushFromList(ctx context.Context, listID uint64, st *models.Status) (bool, error) {
	return m.removeFromFeed(ctx, feedstore.ListKey(listID), st)
}

func (m *Manager) PushToDirect(ctx context.Context, accountID uint64, st *models.Status) (bool, error) {
	// Conversations are not reblog-aggregated; direct statuses cannot be
	// boosted.
	if err := m.store.Insert(ctx, feedstore.DirectKey(accountID), st.ID, float64(st.ID)); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) UnpushFromDirect(ctx context.Context, accountID uint64, st *models.Status) (bool, error) {
	return true, m.store.Remove(ctx, feedstore.DirectKey(accountID), st.ID)
}

// MergeIntoHome copies the target's recent statuses into the owner's home
// feed after a new follow, applying the same visibility filter fan-out
// would have.
func (m *Manager) MergeIntoHome(ctx context.Context, ownerID, targetID uint64) error {
	recent, err := m.statuses.AuthorPage(ctx, targetID, m.mergeSize)
	if err != nil {
		return fmt.Errorf("merge into home: %w", err)
	}
	for _, st := range recent {
		cr, err := m.relations.BuildCrutches(ctx, st, []uint64{ownerID})
		if err != nil {
			return err
		}
		if filter.FromHome(st, ownerID, cr) {
			continue
		}
		if _, err := m.PushToHome(ctx, ownerID, st); err != nil {
			return err
		}
	}
	if err := m.store.Trim(ctx, feedstore.HomeKey(ownerID)); err != nil {
		return err
	}
	return m.trimReblogTracking(ctx, feedstore.HomeKey(ownerID))
}

// UnmergeFromHome removes the target's statuses and reblogs from the
// owner's home feed after an unfollow.
func (m *Manager) UnmergeFromHome(ctx context.Context, ownerID, targetID uint64) error {
	key := feedstore.HomeKey(ownerID)
	entries, err := m.store.Range(ctx, key, 0, 0, m.store.Limits().For(key.Type), feedstore.Descending)
	if err != nil {
		return err
	}
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.MemberID
	}
	cached, err := m.statuses.ByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, st := range cached {
		if st.AccountID != targetID && st.Proper().AccountID != targetID {
			continue
		}
		if _, err := m.removeFromFeed(ctx, key, st); err != nil {
			return err
		}
	}
	return nil
}

// UnmergeTagFromHome removes statuses that were in the feed only because
// of a followed tag: tagged statuses survive when the owner follows (or
// is) their author.
func (m *Manager) UnmergeTagFromHome(ctx context.Context, ownerID, tagID uint64) error {
	key := feedstore.HomeKey(ownerID)
	entries, err := m.store.Range(ctx, key, 0, 0, m.store.Limits().For(key.Type), feedstore.Descending)
	if err != nil {
		return err
	}
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.MemberID
	}
	cached, err := m.statuses.ByIDs(ctx, ids)
	if err != nil {
		return err
	}
	tagged, err := m.statuses.TaggedWith(ctx, ids, tagID)
	if err != nil {
		return err
	}
	authors := make([]uint64, 0, len(cached))
	for _, st := range cached {
		if tagged[st.ID] {
			authors = append(authors, st.AccountID)
		}
	}
	following, err := m.relations.FollowingSet(ctx, ownerID, authors)
	if err != nil {
		return err
	}
	for _, st := range cached {
		if !tagged[st.ID] {
			continue
		}
		if st.AccountID == ownerID || following[st.AccountID] {
			continue
		}
		if _, err := m.removeFromFeed(ctx, key, st); err != nil {
			return err
		}
	}
	return nil
}

// ClearFromHome drops every feed entry authored by the target, reblogging
// the target, or mentioning the target. Used after a block or mute so the
// feed does not need a full rebuild.
func (m *Manager) ClearFromHome(ctx context.Context, ownerID, targetID uint64) error {
	key := feedstore.HomeKey(ownerID)
	entries, err := m.store.Range(ctx, key, 0, 0, m.store.Limits().For(key.Type), feedstore.Descending)
	if err != nil {
		return err
	}
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.MemberID
	}
	cached, err := m.statuses.ByIDs(ctx, ids)
	if err != nil {
		return err
	}
	properIDs := make([]uint64, 0, len(cached))
	for _, st := range cached {
		properIDs = append(properIDs, st.Proper().ID)
	}
	mentions, err := m.statuses.MentionMap(ctx, properIDs)
	if err != nil {
		return err
	}
	for _, st := range cached {
		drop := st.AccountID == targetID || st.Proper().AccountID == targetID
		if !drop {
			for _, aid := range mentions[st.Proper().ID] {
				if aid == targetID {
					drop = true
					break
				}
			}
		}
		if !drop {
			continue
		}
		if _, err := m.removeFromFeed(ctx, key, st); err != nil {
			return err
		}
	}
	return nil
}

func reblogTrackKey(k feedstore.Key) string {
	return k.String() + ":reblogs"
}

func reblogSetKey(k feedstore.Key, originalID uint64) string {
	return fmt.Sprintf("%s:reblogs:%d", k.String(), originalID)
}

func (m *Manager) addToFeed(ctx context.Context, key feedstore.Key, st *models.Status) (bool, error) {
	trackKey := reblogTrackKey(key)

	if st.IsReblog() {
		// A reblog near the top of the feed means the status is already
		// visible; later reblogs queue behind the shown one.
		rank, err := m.rdb.ZRevRank(ctx, key.String(), member(st.ReblogOfID)).Result()
		if err == nil && rank < int64(m.reblogFalloff) {
			return false, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, storeErr("reblog rank", err)
		}

		added, err := m.rdb.ZAddNX(ctx, trackKey,
			redis.Z{Score: float64(st.ID), Member: member(st.ReblogOfID)}).Result()
		if err != nil {
			return false, storeErr("reblog track", err)
		}
		if added == 0 {
			if err := m.rdb.SAdd(ctx, reblogSetKey(key, st.ReblogOfID), st.ID).Err(); err != nil {
				return false, storeErr("reblog queue", err)
			}
			return false, nil
		}
		if err := m.store.Insert(ctx, key, st.ID, float64(st.ID)); err != nil {
			return false, err
		}
		return true, m.trimReblogTracking(ctx, key)
	}

	// A plain status must not be inserted while one of its reblogs is
	// already shown.
	_, err := m.rdb.ZScore(ctx, trackKey, member(st.ID)).Result()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, storeErr("reblog lookup", err)
	}
	if err := m.store.Insert(ctx, key, st.ID, float64(st.ID)); err != nil {
		return false, err
	}
	return true, m.trimReblogTracking(ctx, key)
}

// trimReblogTracking stops deduplicating reblogs whose shown copy has
// fallen past the falloff window. The tracking entry and any queued
// siblings are dropped together: a stale reblog removed later is not
// replaced, and a fresh reblog of the same status inserts normally.
func (m *Manager) trimReblogTracking(ctx context.Context, key feedstore.Key) error {
	falloff, err := m.rdb.ZRevRangeWithScores(ctx, key.String(),
		int64(m.reblogFalloff), int64(m.reblogFalloff)).Result()
	if err != nil {
		return storeErr("reblog falloff", err)
	}
	if len(falloff) == 0 {
		return nil
	}
	max := strconv.FormatFloat(falloff[0].Score, 'f', -1, 64)
	stale, err := m.rdb.ZRangeByScore(ctx, reblogTrackKey(key),
		&redis.ZRangeBy{Min: "0", Max: max}).Result()
	if err != nil {
		return storeErr("reblog falloff", err)
	}
	for _, memb := range stale {
		if err := m.rdb.ZRem(ctx, reblogTrackKey(key), memb).Err(); err != nil {
			return storeErr("reblog untrack", err)
		}
		origID, perr := strconv.ParseUint(memb, 10, 64)
		if perr != nil {
			continue
		}
		if err := m.rdb.Del(ctx, reblogSetKey(key, origID)).Err(); err != nil {
			return storeErr("reblog cleanup", err)
		}
	}
	return nil
}

func (m *Manager) removeFromFeed(ctx context.Context, key feedstore.Key, st *models.Status) (bool, error) {
	trackKey := reblogTrackKey(key)

	if st.IsReblog() {
		setKey := reblogSetKey(key, st.ReblogOfID)
		shown, err := m.rdb.ZScore(ctx, trackKey, member(st.ReblogOfID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, storeErr("reblog lookup", err)
		}
		if err == nil && uint64(shown) == st.ID {
			// The removed reblog was the one displayed; promote a queued
			// sibling if any.
			other, err := m.rdb.SPop(ctx, setKey).Result()
			switch {
			case err == nil:
				otherID, perr := strconv.ParseUint(other, 10, 64)
				if perr == nil {
					if err := m.store.Insert(ctx, key, otherID, float64(otherID)); err != nil {
						return false, err
					}
					if err := m.rdb.ZAdd(ctx, trackKey,
						redis.Z{Score: float64(otherID), Member: member(st.ReblogOfID)}).Err(); err != nil {
						return false, storeErr("reblog track", err)
					}
				}
			case errors.Is(err, redis.Nil):
				if err := m.rdb.ZRem(ctx, trackKey, member(st.ReblogOfID)).Err(); err != nil {
					return false, storeErr("reblog untrack", err)
				}
			default:
				return false, storeErr("reblog promote", err)
			}
			if err := m.store.Remove(ctx, key, st.ID); err != nil {
				return false, err
			}
			return true, nil
		}
		// Not the displayed reblog, only dequeue it.
		if err := m.rdb.SRem(ctx, setKey, st.ID).Err(); err != nil {
			return false, storeErr("reblog dequeue", err)
		}
		return false, nil
	}

	if err := m.rdb.Del(ctx, reblogSetKey(key, st.ID)).Err(); err != nil {
		return false, storeErr("reblog cleanup", err)
	}
	if err := m.rdb.ZRem(ctx, trackKey, member(st.ID)).Err(); err != nil {
		return false, storeErr("reblog untrack", err)
	}
	if err := m.store.Remove(ctx, key, st.ID); err != nil {
		return false, err
	}
	return true, nil
}

func member(id uint64) string { return strconv.FormatUint(id, 10) }

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", feedstore.ErrTransientStore, op, err)
}
