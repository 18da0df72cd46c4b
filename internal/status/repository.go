package status

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"timeline-service/internal/models"
)

// TagListCap bounds the any/all/none tag lists of a tag timeline query so
// one request cannot fan a join out arbitrarily wide.
const TagListCap = 4

// Page is the cursor contract: up to Limit statuses with id strictly
// between the resolved bounds. A non-zero MinID flips the query to
// ascending order.
type Page struct {
	Limit   int
	MaxID   uint64
	SinceID uint64
	MinID   uint64
}

func (p Page) Ascending() bool { return p.MinID != 0 }

// NoCursor reports whether the caller asked for the most recent page.
func (p Page) NoCursor() bool { return p.MaxID == 0 && p.SinceID == 0 && p.MinID == 0 }

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository { return &Repository{db: db} }

// ByIDs hydrates cached ids into statuses with authors eagerly loaded,
// preserving the caller's order. Ids with no surviving row are dropped:
// a deleted status still cached is expected under eventual consistency.
func (r *Repository) ByIDs(ctx context.Context, ids []uint64) ([]*models.Status, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []*models.Status
	err := r.db.WithContext(ctx).
		Preload("Account").
		Preload("Reblog").
		Preload("Reblog.Account").
		Where("statuses.id IN ? AND statuses.deleted_at IS NULL", ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	byID := make(map[uint64]*models.Status, len(rows))
	for _, s := range rows {
		byID[s.ID] = s
	}
	out := make([]*models.Status, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// ByID loads one live status with its author and reblog target.
func (r *Repository) ByID(ctx context.Context, id uint64) (*models.Status, error) {
	var st models.Status
	err := r.db.WithContext(ctx).
		Preload("Account").
		Preload("Reblog").
		Preload("Reblog.Account").
		Where("statuses.deleted_at IS NULL").
		First(&st, id).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ByIDAny loads a status even after soft deletion. Retraction fan-out
// still needs the author and addressees of the deleted row.
func (r *Repository) ByIDAny(ctx context.Context, id uint64) (*models.Status, error) {
	var st models.Status
	err := r.db.WithContext(ctx).
		Preload("Account").
		Preload("Reblog").
		Preload("Reblog.Account").
		First(&st, id).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// AuthorPage returns one author's recent statuses, newest first. Used when
// a new follow merges the target's history into the follower's feed.
func (r *Repository) AuthorPage(ctx context.Context, accountID uint64, limit int) ([]*models.Status, error) {
	q := r.base(ctx).
		Where("statuses.account_id = ?", accountID).
		Where("statuses.visibility IN ?", []models.Visibility{
			models.VisibilityPublic, models.VisibilityUnlisted, models.VisibilityPrivate,
		})
	return r.collect(q, Page{Limit: limit})
}

// TaggedWith reports which of the given statuses carry the tag.
func (r *Repository) TaggedWith(ctx context.Context, statusIDs []uint64, tagID uint64) (map[uint64]bool, error) {
	if len(statusIDs) == 0 {
		return map[uint64]bool{}, nil
	}
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&models.StatusTag{}).
		Where("status_id IN ? AND tag_id = ?", statusIDs, tagID).
		Pluck("status_id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// MentionMap bulk-loads the mentioned account ids of many statuses.
func (r *Repository) MentionMap(ctx context.Context, statusIDs []uint64) (map[uint64][]uint64, error) {
	if len(statusIDs) == 0 {
		return map[uint64][]uint64{}, nil
	}
	var rows []models.Mention
	err := r.db.WithContext(ctx).
		Where("status_id IN ?", statusIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]uint64)
	for _, m := range rows {
		out[m.StatusID] = append(out[m.StatusID], m.AccountID)
	}
	return out, nil
}

// Mentions returns the mentioned account ids of one status.
func (r *Repository) Mentions(ctx context.Context, statusID uint64) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&models.Mention{}).
		Where("status_id = ?", statusID).
		Pluck("account_id", &ids).Error
	return ids, err
}

// HomePage is the cold-path home scope: the owner's own statuses plus
// statuses from accounts the owner follows.
func (r *Repository) HomePage(ctx context.Context, ownerID uint64, p Page) ([]*models.Status, error) {
	q := r.base(ctx).
		Where(`statuses.account_id = ? OR statuses.account_id IN (
			SELECT target_account_id FROM follows WHERE account_id = ?)`, ownerID, ownerID).
		Where("statuses.visibility IN ?", []models.Visibility{
			models.VisibilityPublic, models.VisibilityUnlisted, models.VisibilityPrivate,
		})
	return r.collect(q, p)
}

// ListPage is the cold-path list scope: statuses from accounts that are
// members of the list.
func (r *Repository) ListPage(ctx context.Context, listID uint64, p Page) ([]*models.Status, error) {
	q := r.base(ctx).
		Where(`statuses.account_id IN (
			SELECT account_id FROM list_accounts WHERE list_id = ?)`, listID).
		Where("statuses.visibility IN ?", []models.Visibility{
			models.VisibilityPublic, models.VisibilityUnlisted, models.VisibilityPrivate,
		})
	return r.collect(q, p)
}

// DirectPage is the cold-path direct scope: direct statuses authored by
// the owner or addressed to the owner.
func (r *Repository) DirectPage(ctx context.Context, ownerID uint64, p Page) ([]*models.Status, error) {
	q := r.base(ctx).
		Where("statuses.visibility = ?", models.VisibilityDirect).
		Where(`statuses.account_id = ? OR statuses.id IN (
			SELECT status_id FROM mentions WHERE account_id = ?)`, ownerID, ownerID)
	return r.collect(q, p)
}

// PublicOptions are the sub-filters of the public (federated) timeline.
type PublicOptions struct {
	Local          bool
	Remote         bool
	OnlyMedia      bool
	WithoutReplies bool
	WithoutReblogs bool
}

// PublicPage is the public timeline scope: public statuses from
// non-suspended, non-silenced accounts. A non-zero viewer additionally
// excludes accounts the viewer blocks or is blocked by, accounts the
// viewer mutes, domains the viewer blocks, and non-preferred languages.
func (r *Repository) PublicPage(ctx context.Context, viewerID uint64, opts PublicOptions, p Page) ([]*models.Status, error) {
	q, err := r.publicScope(ctx, viewerID, opts)
	if err != nil {
		return nil, err
	}
	return r.collect(q, p)
}

// TagOptions extend the public scope with hashtag intersections, each list
// capped at TagListCap.
type TagOptions struct {
	PublicOptions
	Any  []string
	All  []string
	None []string
}

func (r *Repository) TagPage(ctx context.Context, viewerID uint64, opts TagOptions, p Page) ([]*models.Status, error) {
	q, err := r.publicScope(ctx, viewerID, opts.PublicOptions)
	if err != nil {
		return nil, err
	}

	if any := capTags(opts.Any); len(any) > 0 {
		q = q.Where(`statuses.id IN (
			SELECT status_id FROM status_tags
			JOIN tags ON tags.id = status_tags.tag_id
			WHERE tags.name IN ?)`, any)
	}
	for _, name := range capTags(opts.All) {
		q = q.Where(`statuses.id IN (
			SELECT status_id FROM status_tags
			JOIN tags ON tags.id = status_tags.tag_id
			WHERE tags.name = ?)`, name)
	}
	if none := capTags(opts.None); len(none) > 0 {
		q = q.Where(`statuses.id NOT IN (
			SELECT status_id FROM status_tags
			JOIN tags ON tags.id = status_tags.tag_id
			WHERE tags.name IN ?)`, none)
	}
	return r.collect(q, p)
}

// GroupPage is the group timeline scope: approved statuses of one group,
// plus the viewer's own pending ones.
func (r *Repository) GroupPage(ctx context.Context, groupID, viewerID uint64, p Page) ([]*models.Status, error) {
	q := r.base(ctx).Where("statuses.group_id = ?", groupID)
	if viewerID != 0 {
		q = q.Where("statuses.approved OR statuses.account_id = ?", viewerID)
		q = r.applyViewerExclusions(q, viewerID)
	} else {
		q = q.Where("statuses.approved")
	}
	return r.collect(q, p)
}

// LinkPage is the link timeline scope: public statuses referencing one
// preview card, restricted to discoverable authors.
func (r *Repository) LinkPage(ctx context.Context, cardURL string, viewerID uint64, p Page) ([]*models.Status, error) {
	q, err := r.publicScope(ctx, viewerID, PublicOptions{})
	if err != nil {
		return nil, err
	}
	q = q.Where(`statuses.id IN (
			SELECT status_id FROM preview_card_statuses
			JOIN preview_cards ON preview_cards.id = preview_card_statuses.preview_card_id
			WHERE preview_cards.url = ?)`, cardURL).
		Where("authors.discoverable")
	return r.collect(q, p)
}

func (r *Repository) base(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Status{}).
		Preload("Account").
		Preload("Reblog").
		Preload("Reblog.Account").
		Where("statuses.deleted_at IS NULL")
}

func (r *Repository) publicScope(ctx context.Context, viewerID uint64, opts PublicOptions) (*gorm.DB, error) {
	q := r.base(ctx).
		Joins("JOIN accounts AS authors ON authors.id = statuses.account_id").
		Where("statuses.visibility = ?", models.VisibilityPublic).
		Where("NOT authors.suspended AND NOT authors.silenced")

	switch {
	case opts.Local:
		q = q.Where("statuses.local")
	case opts.Remote:
		q = q.Where("NOT statuses.local")
	}
	if opts.OnlyMedia {
		q = q.Where("statuses.with_media")
	}
	if opts.WithoutReplies {
		q = q.Where("statuses.in_reply_to_id = 0")
	}
	if opts.WithoutReblogs {
		q = q.Where("statuses.reblog_of_id = 0")
	}

	if viewerID != 0 {
		q = r.applyViewerExclusions(q, viewerID)
		q = q.Where(`NOT EXISTS (
			SELECT 1 FROM account_domain_blocks
			WHERE account_domain_blocks.account_id = ?
			  AND account_domain_blocks.domain = authors.domain)`, viewerID)

		var viewer models.Account
		if err := r.db.WithContext(ctx).First(&viewer, viewerID).Error; err != nil {
			return nil, err
		}
		if langs := splitLanguages(viewer.ChosenLanguages); len(langs) > 0 {
			q = q.Where("statuses.language = '' OR statuses.language IN ?", langs)
		}
	}
	return q, nil
}

func splitLanguages(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *Repository) applyViewerExclusions(q *gorm.DB, viewerID uint64) *gorm.DB {
	return q.
		Where(`statuses.account_id NOT IN (
			SELECT target_account_id FROM blocks WHERE account_id = ?)`, viewerID).
		Where(`statuses.account_id NOT IN (
			SELECT account_id FROM blocks WHERE target_account_id = ?)`, viewerID).
		Where(`statuses.account_id NOT IN (
			SELECT target_account_id FROM mutes WHERE account_id = ?)`, viewerID)
}

func (r *Repository) collect(q *gorm.DB, p Page) ([]*models.Status, error) {
	if p.MaxID != 0 {
		q = q.Where("statuses.id < ?", p.MaxID)
	}
	if p.SinceID != 0 {
		q = q.Where("statuses.id > ?", p.SinceID)
	}
	if p.MinID != 0 {
		q = q.Where("statuses.id > ?", p.MinID)
	}
	if p.Ascending() {
		q = q.Order("statuses.id ASC")
	} else {
		q = q.Order("statuses.id DESC")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	var rows []*models.Status
	if err := q.Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func capTags(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(n, "#")))
		if n != "" {
			out = append(out, n)
		}
	}
	if len(out) > TagListCap {
		out = out[:TagListCap]
	}
	return out
}
