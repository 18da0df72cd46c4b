package feedstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"timeline-service/internal/metrics"
)

// ErrTransientStore marks failures of the cache layer that are safe to
// retry. The relational store remains the source of truth, so callers
// degrade to the cold path instead of failing the request.
var ErrTransientStore = errors.New("feed store temporarily unavailable")

type FeedType string

const (
	TypeHome        FeedType = "home"
	TypeList        FeedType = "list"
	TypeDirect      FeedType = "direct"
	TypeTag         FeedType = "tag"
	TypeTagLocal    FeedType = "tag:local"
	TypePublic      FeedType = "public"
	TypePublicLocal FeedType = "public:local"
)

// Key identifies one bounded ordered collection: a feed type plus the
// owning account or list id.
type Key struct {
	Type    FeedType
	OwnerID uint64
}

func HomeKey(accountID uint64) Key { return Key{Type: TypeHome, OwnerID: accountID} }
func ListKey(listID uint64) Key    { return Key{Type: TypeList, OwnerID: listID} }
func DirectKey(accountID uint64) Key {
	return Key{Type: TypeDirect, OwnerID: accountID}
}

func (k Key) String() string {
	return fmt.Sprintf("feed:%s:%d", k.Type, k.OwnerID)
}

// Entry is one member of a feed: a status id and the score it is ordered
// by. Home timelines reuse the status id as score; ranked collections may
// supply their own.
type Entry struct {
	MemberID uint64
	Score    float64
}

type Direction int

const (
	Descending Direction = iota
	Ascending
)

// Limits carries the per-feed-type cardinality bounds. Zero values fall
// back to Default.
type Limits struct {
	Home     int
	List     int
	Trending int
	Default  int
}

func DefaultLimits() Limits {
	return Limits{Home: 800, List: 800, Trending: 500, Default: 800}
}

func (l Limits) For(t FeedType) int {
	switch t {
	case TypeHome, TypeDirect:
		if l.Home > 0 {
			return l.Home
		}
	case TypeList:
		if l.List > 0 {
			return l.List
		}
	case TypeTag, TypeTagLocal, TypePublic, TypePublicLocal:
		if l.Trending > 0 {
			return l.Trending
		}
	}
	if l.Default > 0 {
		return l.Default
	}
	return 800
}

// Store is the bounded ordered key-value abstraction backing every feed.
// All single-key mutations are atomic with respect to concurrent mutations
// on the same key; there is no cross-key transaction.
type Store struct {
	rdb    *redis.Client
	limits Limits
}

func NewStore(rdb *redis.Client, limits Limits) *Store {
	return &Store{rdb: rdb, limits: limits}
}

// Insert upserts one entry and trims the collection back within its bound,
// evicting the lowest-scored members. Re-inserting a member updates its
// score; same member and score is a no-op.
func (s *Store) Insert(ctx context.Context, key Key, memberID uint64, score float64) error {
	max := s.limits.For(key.Type)
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key.String(), redis.Z{Score: score, Member: member(memberID)})
	trim := pipe.ZRemRangeByRank(ctx, key.String(), 0, int64(-(max + 1)))
	if _, err := pipe.Exec(ctx); err != nil {
		return transient("insert", err)
	}
	if evicted := trim.Val(); evicted > 0 {
		metrics.StoreEvictions.Add(float64(evicted))
	}
	return nil
}

// InsertEntries bulk-upserts a precomputed page in one round trip.
func (s *Store) InsertEntries(ctx context.Context, key Key, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	zs := make([]redis.Z, len(entries))
	for i, e := range entries {
		zs[i] = redis.Z{Score: e.Score, Member: member(e.MemberID)}
	}
	max := s.limits.For(key.Type)
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key.String(), zs...)
	trim := pipe.ZRemRangeByRank(ctx, key.String(), 0, int64(-(max + 1)))
	if _, err := pipe.Exec(ctx); err != nil {
		return transient("insert entries", err)
	}
	if evicted := trim.Val(); evicted > 0 {
		metrics.StoreEvictions.Add(float64(evicted))
	}
	return nil
}

// Remove deletes one entry if present; removing an absent member is not an
// error.
func (s *Store) Remove(ctx context.Context, key Key, memberID uint64) error {
	if err := s.rdb.ZRem(ctx, key.String(), member(memberID)).Err(); err != nil {
		return transient("remove", err)
	}
	return nil
}

// Range returns up to limit entries with score strictly between the scores
// of the lower and upper member ids, ordered per direction. Bounds are
// member identifiers, not raw scores: each is resolved to that member's
// current score first; a missing or zero member resolves to the unbounded
// end (-inf for lower, +inf for upper).
func (s *Store) Range(ctx context.Context, key Key, lower, upper uint64, limit int, dir Direction) ([]Entry, error) {
	min, err := s.resolveBound(ctx, key, lower, "-inf")
	if err != nil {
		return nil, err
	}
	max, err := s.resolveBound(ctx, key, upper, "+inf")
	if err != nil {
		return nil, err
	}

	rng := &redis.ZRangeBy{Min: min, Max: max, Count: int64(limit)}
	var zs []redis.Z
	switch dir {
	case Ascending:
		zs, err = s.rdb.ZRangeByScoreWithScores(ctx, key.String(), rng).Result()
	default:
		zs, err = s.rdb.ZRevRangeByScoreWithScores(ctx, key.String(), rng).Result()
	}
	if err != nil {
		return nil, transient("range", err)
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		id, perr := strconv.ParseUint(fmt.Sprint(z.Member), 10, 64)
		if perr != nil {
			continue
		}
		entries = append(entries, Entry{MemberID: id, Score: z.Score})
	}
	return entries, nil
}

// Exists reports whether the collection holds at least one entry. It
// distinguishes an empty inbox from a cold cache.
func (s *Store) Exists(ctx context.Context, key Key) (bool, error) {
	n, err := s.rdb.ZCard(ctx, key.String()).Result()
	if err != nil {
		return false, transient("exists", err)
	}
	return n > 0, nil
}

// Card returns the current cardinality.
func (s *Store) Card(ctx context.Context, key Key) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key.String()).Result()
	if err != nil {
		return 0, transient("card", err)
	}
	return n, nil
}

// Score returns the score of one member and whether it is present.
func (s *Store) Score(ctx context.Context, key Key, memberID uint64) (float64, bool, error) {
	score, err := s.rdb.ZScore(ctx, key.String(), member(memberID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, transient("score", err)
	}
	return score, true, nil
}

// Clear deletes the collection entirely, along with any auxiliary
// structures keyed under it.
func (s *Store) Clear(ctx context.Context, key Key) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, key.String()+":*", 100).Result()
		if err != nil {
			return transient("clear", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return transient("clear", err)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	if err := s.rdb.Del(ctx, key.String()).Err(); err != nil {
		return transient("clear", err)
	}
	return nil
}

// Trim evicts the lowest-scored entries until the collection is back under
// the configured bound for its type.
func (s *Store) Trim(ctx context.Context, key Key) error {
	max := s.limits.For(key.Type)
	evicted, err := s.rdb.ZRemRangeByRank(ctx, key.String(), 0, int64(-(max + 1))).Result()
	if err != nil {
		return transient("trim", err)
	}
	if evicted > 0 {
		metrics.StoreEvictions.Add(float64(evicted))
	}
	return nil
}

// Client exposes the underlying connection for auxiliary structures owned
// by the fan-out layer (reblog tracking keys).
func (s *Store) Client() *redis.Client { return s.rdb }

// Limits returns the configured cardinality bounds.
func (s *Store) Limits() Limits { return s.limits }

func (s *Store) resolveBound(ctx context.Context, key Key, memberID uint64, unbounded string) (string, error) {
	if memberID == 0 {
		return unbounded, nil
	}
	score, ok, err := s.Score(ctx, key, memberID)
	if err != nil {
		return "", err
	}
	if !ok {
		return unbounded, nil
	}
	return "(" + strconv.FormatFloat(score, 'f', -1, 64), nil
}

func member(id uint64) string { return strconv.FormatUint(id, 10) }

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
}
