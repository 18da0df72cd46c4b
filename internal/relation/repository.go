package relation

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"timeline-service/internal/models"
)

// ErrCounterContention is returned when the optimistic counter update
// keeps losing its compare-and-swap past the retry cap.
var ErrCounterContention = errors.New("counter update contention")

const counterCASRetries = 5

type Repository struct {
	db  *gorm.DB
	rdb *redis.Client
}

func NewRepository(db *gorm.DB, rdb *redis.Client) *Repository {
	return &Repository{db: db, rdb: rdb}
}

// LocalFollowerIDs enumerates the local accounts following the author.
// This is the bulk of every fan-out's recipient set.
func (r *Repository) LocalFollowerIDs(ctx context.Context, accountID uint64) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Joins("JOIN accounts ON accounts.id = follows.account_id").
		Where("follows.target_account_id = ? AND accounts.domain = ''", accountID).
		Pluck("follows.account_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("local followers of %d: %w", accountID, err)
	}
	return ids, nil
}

// ListsContaining returns the lists whose membership includes the account,
// restricted to lists whose owner still follows the account.
func (r *Repository) ListsContaining(ctx context.Context, accountID uint64) ([]models.List, error) {
	var lists []models.List
	err := r.db.WithContext(ctx).Model(&models.List{}).
		Joins("JOIN list_accounts ON list_accounts.list_id = lists.id").
		Joins(`JOIN follows ON follows.account_id = lists.account_id
			AND follows.target_account_id = list_accounts.account_id`).
		Where("list_accounts.account_id = ?", accountID).
		Find(&lists).Error
	if err != nil {
		return nil, fmt.Errorf("lists containing %d: %w", accountID, err)
	}
	return lists, nil
}

// ListByID loads one list.
func (r *Repository) ListByID(ctx context.Context, listID uint64) (*models.List, error) {
	var list models.List
	if err := r.db.WithContext(ctx).First(&list, listID).Error; err != nil {
		return nil, err
	}
	return &list, nil
}

// ListMemberSet returns the member account ids of a list as a set.
func (r *Repository) ListMemberSet(ctx context.Context, listID uint64) (map[uint64]bool, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&models.ListAccount{}).
		Where("list_id = ?", listID).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return toSet(ids), nil
}

// Following reports whether account follows target.
func (r *Repository) Following(ctx context.Context, accountID, targetID uint64) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Where("account_id = ? AND target_account_id = ?", accountID, targetID).
		Count(&n).Error
	return n > 0, err
}

// FollowingSet returns, for one account, the set of followed account ids
// among the given candidates.
func (r *Repository) FollowingSet(ctx context.Context, accountID uint64, candidates []uint64) (map[uint64]bool, error) {
	if len(candidates) == 0 {
		return map[uint64]bool{}, nil
	}
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Where("account_id = ? AND target_account_id IN ?", accountID, candidates).
		Pluck("target_account_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return toSet(ids), nil
}

// followPair is shared by the bulk crutch loaders below.
type followPair struct {
	AccountID       uint64
	TargetAccountID uint64
	ShowReblogs     bool
	Languages       string
}

// Crutches is the bulk-loaded relationship context for filtering one
// status against many recipients without a query per recipient.
type Crutches struct {
	Following      map[uint64]bool // recipient follows status.InReplyToAccountID
	HidingReblogs  map[uint64]bool // recipient follows author with reblogs hidden
	Blocking       map[uint64]bool // recipient blocks a relevant account
	BlockedBy      map[uint64]bool // a relevant account blocks recipient
	Muting         map[uint64]bool // recipient mutes a relevant account
	DomainBlocking map[uint64]bool // recipient blocks the author's domain
	Languages      map[uint64][]string
	ExclusiveLists map[uint64]bool // recipient keeps the author on an exclusive list
}

// BuildCrutches loads every per-recipient relation the home-feed filter
// needs for one status, in a fixed number of queries regardless of the
// recipient count.
func (r *Repository) BuildCrutches(ctx context.Context, st *models.Status, recipients []uint64) (*Crutches, error) {
	cr := &Crutches{
		Following:      map[uint64]bool{},
		HidingReblogs:  map[uint64]bool{},
		Blocking:       map[uint64]bool{},
		BlockedBy:      map[uint64]bool{},
		Muting:         map[uint64]bool{},
		DomainBlocking: map[uint64]bool{},
		Languages:      map[uint64][]string{},
		ExclusiveLists: map[uint64]bool{},
	}
	if len(recipients) == 0 {
		return cr, nil
	}

	// Accounts whose relationship to the recipient decides visibility:
	// the author, the reblogged author, mentioned accounts, the replied-to
	// account.
	concerned := []uint64{st.AccountID}
	checkDomain := ""
	if st.Account != nil {
		checkDomain = st.Account.Domain
	}
	if st.IsReblog() && st.Reblog != nil {
		concerned = append(concerned, st.Reblog.AccountID)
		if st.Reblog.Account != nil && st.Reblog.Account.Domain != "" {
			checkDomain = st.Reblog.Account.Domain
		}
	}
	if st.InReplyToAccountID != 0 {
		concerned = append(concerned, st.InReplyToAccountID)
	}
	mentionIDs, err := r.mentionAccountIDs(ctx, st.Proper().ID)
	if err != nil {
		return nil, err
	}
	concerned = append(concerned, mentionIDs...)

	var follows []followPair
	err = r.db.WithContext(ctx).Model(&models.Follow{}).
		Select("account_id", "target_account_id", "show_reblogs", "languages").
		Where("account_id IN ? AND target_account_id IN ?", recipients, concerned).
		Find(&follows).Error
	if err != nil {
		return nil, err
	}
	for _, f := range follows {
		if st.InReplyToAccountID != 0 && f.TargetAccountID == st.InReplyToAccountID {
			cr.Following[f.AccountID] = true
		}
		if f.TargetAccountID == st.AccountID {
			if !f.ShowReblogs {
				cr.HidingReblogs[f.AccountID] = true
			}
			if langs := splitLanguages(f.Languages); len(langs) > 0 {
				cr.Languages[f.AccountID] = langs
			}
		}
	}

	var blocks []followPair
	err = r.db.WithContext(ctx).Model(&models.Block{}).
		Select("account_id", "target_account_id").
		Where("account_id IN ? AND target_account_id IN ?", recipients, concerned).
		Find(&blocks).Error
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		cr.Blocking[b.AccountID] = true
	}

	var blockedBy []followPair
	err = r.db.WithContext(ctx).Model(&models.Block{}).
		Select("account_id", "target_account_id").
		Where("account_id IN ? AND target_account_id IN ?", concerned, recipients).
		Find(&blockedBy).Error
	if err != nil {
		return nil, err
	}
	for _, b := range blockedBy {
		cr.BlockedBy[b.TargetAccountID] = true
	}

	var mutes []followPair
	err = r.db.WithContext(ctx).Model(&models.Mute{}).
		Select("account_id", "target_account_id").
		Where("account_id IN ? AND target_account_id IN ?", recipients, concerned).
		Find(&mutes).Error
	if err != nil {
		return nil, err
	}
	for _, m := range mutes {
		cr.Muting[m.AccountID] = true
	}

	if checkDomain != "" {
		var domBlockers []uint64
		err = r.db.WithContext(ctx).Model(&models.AccountDomainBlock{}).
			Where("account_id IN ? AND domain = ?", recipients, checkDomain).
			Pluck("account_id", &domBlockers).Error
		if err != nil {
			return nil, err
		}
		for _, id := range domBlockers {
			cr.DomainBlocking[id] = true
		}
	}

	var exclusiveOwners []uint64
	err = r.db.WithContext(ctx).Model(&models.List{}).
		Joins("JOIN list_accounts ON list_accounts.list_id = lists.id").
		Where("lists.exclusive AND lists.account_id IN ? AND list_accounts.account_id = ?",
			recipients, st.AccountID).
		Pluck("lists.account_id", &exclusiveOwners).Error
	if err != nil {
		return nil, err
	}
	for _, id := range exclusiveOwners {
		cr.ExclusiveLists[id] = true
	}

	return cr, nil
}

func (r *Repository) mentionAccountIDs(ctx context.Context, statusID uint64) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&models.Mention{}).
		Where("status_id = ?", statusID).
		Pluck("account_id", &ids).Error
	return ids, err
}

// IncrementFollowerCount maintains the denormalized follower counter with
// an atomic upsert; delta may be negative. The cached Redis copy is kept
// with a bounded compare-and-swap loop rather than read-then-write.
func (r *Repository) IncrementFollowerCount(ctx context.Context, accountID uint64, delta int64) error {
	// A decrement that outruns the matching increment must not leave a
	// negative row behind; both the row and the cache floor at zero.
	seed := delta
	if seed < 0 {
		seed = 0
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"followers_count": gorm.Expr(
				"CASE WHEN follower_count_caches.followers_count + ? < 0 THEN 0"+
					" ELSE follower_count_caches.followers_count + ? END", delta, delta),
		}),
	}).Create(&models.FollowerCountCache{AccountID: accountID, FollowersCount: seed}).Error
	if err != nil {
		return fmt.Errorf("follower count upsert: %w", err)
	}

	key := fmt.Sprintf("followers:count:%d", accountID)
	for attempt := 0; attempt < counterCASRetries; attempt++ {
		txErr := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			next := cur + delta
			if next < 0 {
				next = 0
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)
		if txErr == nil {
			return nil
		}
		if !errors.Is(txErr, redis.TxFailedErr) {
			return txErr
		}
	}
	return ErrCounterContention
}

func toSet(ids []uint64) map[uint64]bool {
	set := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func splitLanguages(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
