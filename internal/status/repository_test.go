package status

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"timeline-service/internal/models"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Account{}, &models.Status{}, &models.Follow{}, &models.Mention{},
		&models.List{}, &models.ListAccount{}, &models.Block{}, &models.Mute{},
		&models.AccountDomainBlock{}, &models.Tag{}, &models.StatusTag{},
		&models.PreviewCard{}, &models.PreviewCardStatus{},
	))
	return NewRepository(db), db
}

func statusIDs(rows []*models.Status) []uint64 {
	out := make([]uint64, 0, len(rows))
	for _, st := range rows {
		out = append(out, st.ID)
	}
	return out
}

func TestByIDsPreservesOrderAndDropsMissing(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 1}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 1}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 11, AccountID: 1}).Error)
	now := time.Now()
	require.NoError(t, db.Create(&models.Status{ID: 12, AccountID: 1, DeletedAt: &now}).Error)

	rows, err := repo.ByIDs(ctx, []uint64{11, 999, 12, 10})
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 10}, statusIDs(rows))
	require.NotNil(t, rows[0].Account)
	assert.Equal(t, uint64(1), rows[0].Account.ID)
}

func TestByIDsHydratesReblogs(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 1}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 1, Text: "original"}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 11, AccountID: 2, ReblogOfID: 10}).Error)

	rows, err := repo.ByIDs(ctx, []uint64{11})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Reblog)
	assert.Equal(t, "original", rows[0].Reblog.Text)
	require.NotNil(t, rows[0].Reblog.Account)
	assert.Equal(t, uint64(1), rows[0].Reblog.Account.ID)
}

func TestByIDAnyLoadsDeletedRows(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 1}).Error)
	now := time.Now()
	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 1, DeletedAt: &now}).Error)

	_, err := repo.ByID(ctx, 10)
	assert.Error(t, err)

	st, err := repo.ByIDAny(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.ID)
}

func TestHomePageScope(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 1}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 3}).Error)
	require.NoError(t, db.Create(&models.Follow{AccountID: 1, TargetAccountID: 2}).Error)

	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 1, Visibility: models.VisibilityPublic}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 11, AccountID: 2, Visibility: models.VisibilityPrivate}).Error)
	// Not followed.
	require.NoError(t, db.Create(&models.Status{ID: 12, AccountID: 3, Visibility: models.VisibilityPublic}).Error)
	// Direct never shows in home.
	require.NoError(t, db.Create(&models.Status{ID: 13, AccountID: 2, Visibility: models.VisibilityDirect}).Error)

	rows, err := repo.HomePage(ctx, 1, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 10}, statusIDs(rows))
}

func TestDirectPageScope(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 1}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	// Sent by the owner.
	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 1, Visibility: models.VisibilityDirect}).Error)
	// Addressed to the owner.
	require.NoError(t, db.Create(&models.Status{ID: 11, AccountID: 2, Visibility: models.VisibilityDirect}).Error)
	require.NoError(t, db.Create(&models.Mention{StatusID: 11, AccountID: 1}).Error)
	// Someone else's conversation.
	require.NoError(t, db.Create(&models.Status{ID: 12, AccountID: 2, Visibility: models.VisibilityDirect}).Error)

	rows, err := repo.DirectPage(ctx, 1, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 10}, statusIDs(rows))
}

func TestPublicPageExcludesModeratedAndBlocked(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 1}).Error) // viewer
	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 3, Suspended: true}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 4}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 5, Domain: "blocked.example"}).Error)
	require.NoError(t, db.Create(&models.Block{AccountID: 1, TargetAccountID: 4}).Error)
	require.NoError(t, db.Create(&models.AccountDomainBlock{AccountID: 1, Domain: "blocked.example"}).Error)

	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 2, Visibility: models.VisibilityPublic}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 11, AccountID: 3, Visibility: models.VisibilityPublic}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 12, AccountID: 4, Visibility: models.VisibilityPublic}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 13, AccountID: 5, Visibility: models.VisibilityPublic}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 14, AccountID: 2, Visibility: models.VisibilityUnlisted}).Error)

	// Anonymous: moderation applies, per-viewer exclusions do not.
	rows, err := repo.PublicPage(ctx, 0, PublicOptions{}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{13, 12, 10}, statusIDs(rows))

	rows, err = repo.PublicPage(ctx, 1, PublicOptions{}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10}, statusIDs(rows))
}

func TestPublicPageOptions(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 2, Visibility: models.VisibilityPublic, Local: true}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 11, AccountID: 2, Visibility: models.VisibilityPublic}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 12, AccountID: 2, Visibility: models.VisibilityPublic, Local: true, WithMedia: true}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 13, AccountID: 2, Visibility: models.VisibilityPublic,
		InReplyToID: 5, InReplyToAccountID: 9}).Error)

	rows, err := repo.PublicPage(ctx, 0, PublicOptions{Local: true}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{12, 10}, statusIDs(rows))

	rows, err = repo.PublicPage(ctx, 0, PublicOptions{Remote: true}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{13, 11}, statusIDs(rows))

	rows, err = repo.PublicPage(ctx, 0, PublicOptions{OnlyMedia: true}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{12}, statusIDs(rows))

	rows, err = repo.PublicPage(ctx, 0, PublicOptions{WithoutReplies: true}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{12, 11, 10}, statusIDs(rows))
}

func TestPublicPageLanguagePreference(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 1, ChosenLanguages: "en,de"}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 2, Visibility: models.VisibilityPublic, Language: "en"}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 11, AccountID: 2, Visibility: models.VisibilityPublic, Language: "fr"}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 12, AccountID: 2, Visibility: models.VisibilityPublic}).Error)

	rows, err := repo.PublicPage(ctx, 1, PublicOptions{}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{12, 10}, statusIDs(rows))
}

func seedTagged(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	require.NoError(t, db.Create(&models.Tag{ID: 1, Name: "go"}).Error)
	require.NoError(t, db.Create(&models.Tag{ID: 2, Name: "redis"}).Error)
	require.NoError(t, db.Create(&models.Tag{ID: 3, Name: "rust"}).Error)

	// 10: #go  11: #go #redis  12: #redis  13: #go #rust
	for id, tags := range map[uint64][]uint64{10: {1}, 11: {1, 2}, 12: {2}, 13: {1, 3}} {
		require.NoError(t, db.Create(&models.Status{ID: id, AccountID: 2, Visibility: models.VisibilityPublic}).Error)
		for _, tagID := range tags {
			require.NoError(t, db.Create(&models.StatusTag{StatusID: id, TagID: tagID}).Error)
		}
	}
}

func TestTagPageAnyAllNone(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	seedTagged(t, db)

	rows, err := repo.TagPage(ctx, 0, TagOptions{Any: []string{"go"}}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{13, 11, 10}, statusIDs(rows))

	rows, err = repo.TagPage(ctx, 0, TagOptions{Any: []string{"go"}, All: []string{"redis"}}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{11}, statusIDs(rows))

	rows, err = repo.TagPage(ctx, 0, TagOptions{Any: []string{"go"}, None: []string{"rust"}}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 10}, statusIDs(rows))

	// Tag matching is case-insensitive and tolerates a leading #.
	rows, err = repo.TagPage(ctx, 0, TagOptions{Any: []string{"#GO"}}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{13, 11, 10}, statusIDs(rows))
}

func TestCapTags(t *testing.T) {
	got := capTags([]string{"#Go", " redis ", "", "a", "b", "c"})
	assert.Equal(t, []string{"go", "redis", "a", "b"}, got)
}

func TestGroupPagePendingVisibleToAuthorOnly(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 1}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 2, GroupID: 5, Approved: true,
		Visibility: models.VisibilityPublic}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 11, AccountID: 1, GroupID: 5,
		Visibility: models.VisibilityPublic}).Error)

	rows, err := repo.GroupPage(ctx, 5, 0, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10}, statusIDs(rows))

	rows, err = repo.GroupPage(ctx, 5, 1, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 10}, statusIDs(rows))

	rows, err = repo.GroupPage(ctx, 5, 2, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10}, statusIDs(rows))
}

func TestLinkPageRequiresDiscoverableAuthors(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 2, Discoverable: true}).Error)
	require.NoError(t, db.Create(&models.Account{ID: 3}).Error)
	require.NoError(t, db.Create(&models.PreviewCard{ID: 1, URL: "https://example.com/article"}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 10, AccountID: 2, Visibility: models.VisibilityPublic}).Error)
	require.NoError(t, db.Create(&models.Status{ID: 11, AccountID: 3, Visibility: models.VisibilityPublic}).Error)
	require.NoError(t, db.Create(&models.PreviewCardStatus{PreviewCardID: 1, StatusID: 10}).Error)
	require.NoError(t, db.Create(&models.PreviewCardStatus{PreviewCardID: 1, StatusID: 11}).Error)

	rows, err := repo.LinkPage(ctx, "https://example.com/article", 0, Page{Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10}, statusIDs(rows))

	rows, err = repo.LinkPage(ctx, "https://example.com/other", 0, Page{Limit: 20})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCollectCursorAndDefaultLimit(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Account{ID: 2}).Error)
	for id := uint64(1); id <= 25; id++ {
		require.NoError(t, db.Create(&models.Status{ID: id, AccountID: 2, Visibility: models.VisibilityPublic}).Error)
	}

	// Zero limit falls back to the default page size.
	rows, err := repo.PublicPage(ctx, 0, PublicOptions{}, Page{})
	require.NoError(t, err)
	assert.Len(t, rows, 20)
	assert.Equal(t, uint64(25), rows[0].ID)

	rows, err = repo.PublicPage(ctx, 0, PublicOptions{}, Page{Limit: 5, MaxID: 10, SinceID: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{9, 8, 7, 6, 5}, statusIDs(rows))

	rows, err = repo.PublicPage(ctx, 0, PublicOptions{}, Page{Limit: 3, MinID: 10})
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 12, 13}, statusIDs(rows))
}
