package relation

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"timeline-service/internal/models"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB, *miniredis.Miniredis) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Account{}, &models.Status{}, &models.Follow{}, &models.Mention{},
		&models.List{}, &models.ListAccount{}, &models.Block{}, &models.Mute{},
		&models.AccountDomainBlock{}, &models.FollowerCountCache{},
	))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRepository(db, rdb), db, mr
}

func TestLocalFollowerIDsExcludesRemote(t *testing.T) {
	repo, db, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 3, Domain: "other.example"}).Error)
	require.NoError(t, db.Create(&models.Follow{AccountID: 2, TargetAccountID: 1}).Error)
	require.NoError(t, db.Create(&models.Follow{AccountID: 3, TargetAccountID: 1}).Error)

	ids, err := repo.LocalFollowerIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids)
}

func TestListsContainingRequiresOwnerStillFollowing(t *testing.T) {
	repo, db, _ := newTestRepo(t)
	ctx := context.Background()

	// List 1: owner 2 follows member 5.
	require.NoError(t, db.Create(&models.List{ID: 1, AccountID: 2}).Error)
	require.NoError(t, db.Create(&models.ListAccount{ListID: 1, AccountID: 5}).Error)
	require.NoError(t, db.Create(&models.Follow{AccountID: 2, TargetAccountID: 5}).Error)
	// List 2: owner 3 unfollowed member 5, membership is stale.
	require.NoError(t, db.Create(&models.List{ID: 2, AccountID: 3}).Error)
	require.NoError(t, db.Create(&models.ListAccount{ListID: 2, AccountID: 5}).Error)

	lists, err := repo.ListsContaining(ctx, 5)
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, uint64(1), lists[0].ID)
}

func TestBuildCrutches(t *testing.T) {
	repo, db, _ := newTestRepo(t)
	ctx := context.Background()

	author := &models.Account{ID: 10, Domain: "remote.example"}
	require.NoError(t, db.Create(author).Error)
	// Recipient 1 follows the author without reblogs and only in English.
	f := &models.Follow{AccountID: 1, TargetAccountID: 10}
	require.NoError(t, db.Create(f).Error)
	require.NoError(t, db.Model(f).Updates(map[string]any{
		"show_reblogs": false, "languages": "en",
	}).Error)
	// Recipient 2 blocks the author; the author blocks recipient 3.
	require.NoError(t, db.Create(&models.Block{AccountID: 2, TargetAccountID: 10}).Error)
	require.NoError(t, db.Create(&models.Block{AccountID: 10, TargetAccountID: 3}).Error)
	// Recipient 4 mutes the author, 5 blocks the author's domain.
	require.NoError(t, db.Create(&models.Mute{AccountID: 4, TargetAccountID: 10}).Error)
	require.NoError(t, db.Create(&models.AccountDomainBlock{AccountID: 5, Domain: "remote.example"}).Error)
	// Recipient 6 follows the replied-to account 20.
	require.NoError(t, db.Create(&models.Follow{AccountID: 6, TargetAccountID: 20}).Error)
	// Recipient 7 keeps the author on an exclusive list.
	require.NoError(t, db.Create(&models.List{ID: 1, AccountID: 7, Exclusive: true}).Error)
	require.NoError(t, db.Create(&models.ListAccount{ListID: 1, AccountID: 10}).Error)

	st := &models.Status{ID: 100, AccountID: 10, Account: author,
		InReplyToID: 90, InReplyToAccountID: 20}
	recipients := []uint64{1, 2, 3, 4, 5, 6, 7}

	cr, err := repo.BuildCrutches(ctx, st, recipients)
	require.NoError(t, err)

	assert.True(t, cr.HidingReblogs[1])
	assert.Equal(t, []string{"en"}, cr.Languages[1])
	assert.True(t, cr.Blocking[2])
	assert.True(t, cr.BlockedBy[3])
	assert.True(t, cr.Muting[4])
	assert.True(t, cr.DomainBlocking[5])
	assert.True(t, cr.Following[6])
	assert.True(t, cr.ExclusiveLists[7])

	assert.False(t, cr.Blocking[1])
	assert.False(t, cr.Following[1])
}

func TestBuildCrutchesEmptyRecipients(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	cr, err := repo.BuildCrutches(context.Background(), &models.Status{ID: 1, AccountID: 2}, nil)
	require.NoError(t, err)
	assert.Empty(t, cr.Blocking)
}

func TestIncrementFollowerCount(t *testing.T) {
	repo, db, mr := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.IncrementFollowerCount(ctx, 7, 1))
	require.NoError(t, repo.IncrementFollowerCount(ctx, 7, 1))
	require.NoError(t, repo.IncrementFollowerCount(ctx, 7, -1))

	var cache models.FollowerCountCache
	require.NoError(t, db.First(&cache, "account_id = ?", 7).Error)
	assert.Equal(t, int64(1), cache.FollowersCount)

	got, err := mr.Get("followers:count:7")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestIncrementFollowerCountNeverGoesNegativeInCache(t *testing.T) {
	repo, _, mr := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.IncrementFollowerCount(ctx, 7, -1))

	got, err := mr.Get("followers:count:7")
	require.NoError(t, err)
	assert.Equal(t, "0", got)
}

func TestIncrementFollowerCountNeverGoesNegativeInRow(t *testing.T) {
	repo, db, _ := newTestRepo(t)
	ctx := context.Background()

	// A decrement outrunning the first increment must not seed a
	// negative row.
	require.NoError(t, repo.IncrementFollowerCount(ctx, 7, -1))

	var cache models.FollowerCountCache
	require.NoError(t, db.First(&cache, "account_id = ?", 7).Error)
	assert.Equal(t, int64(0), cache.FollowersCount)

	// Nor may repeated decrements drive an existing row below zero.
	require.NoError(t, repo.IncrementFollowerCount(ctx, 7, -1))
	require.NoError(t, repo.IncrementFollowerCount(ctx, 7, 1))

	require.NoError(t, db.First(&cache, "account_id = ?", 7).Error)
	assert.Equal(t, int64(1), cache.FollowersCount)
}

func TestFollowingSet(t *testing.T) {
	repo, db, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Follow{AccountID: 1, TargetAccountID: 2}).Error)
	require.NoError(t, db.Create(&models.Follow{AccountID: 1, TargetAccountID: 3}).Error)

	set, err := repo.FollowingSet(ctx, 1, []uint64{2, 4})
	require.NoError(t, err)
	assert.Equal(t, map[uint64]bool{2: true}, set)

	set, err = repo.FollowingSet(ctx, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestSplitLanguages(t *testing.T) {
	assert.Nil(t, splitLanguages(""))
	assert.Equal(t, []string{"en", "de"}, splitLanguages("en,de"))
	assert.Equal(t, []string{"en"}, splitLanguages(",en,"))
}
