package models

import "time"

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityLimited  Visibility = "limited"
	VisibilityDirect   Visibility = "direct"
)

type RepliesPolicy string

const (
	RepliesPolicyList     RepliesPolicy = "list"
	RepliesPolicyFollowed RepliesPolicy = "followed"
	RepliesPolicyNone     RepliesPolicy = "none"
)

type Account struct {
	ID              uint64 `gorm:"primaryKey"`
	Username        string
	Domain          string // empty for local accounts
	Suspended       bool
	Silenced        bool
	Discoverable    bool
	ChosenLanguages string // comma-separated ISO 639-1 codes, empty = all
	CreatedAt       time.Time
}

func (a *Account) Local() bool { return a.Domain == "" }

type Status struct {
	ID                 uint64 `gorm:"primaryKey"`
	AccountID          uint64 `gorm:"index"`
	Account            *Account
	Text               string
	Visibility         Visibility `gorm:"index"`
	Language           string
	InReplyToID        uint64 `gorm:"index"`
	InReplyToAccountID uint64
	ReblogOfID         uint64 `gorm:"index"`
	Reblog             *Status `gorm:"foreignKey:ReblogOfID"`
	GroupID            uint64  `gorm:"index"`
	Approved           bool
	WithMedia          bool
	Local              bool
	CreatedAt          time.Time
	DeletedAt          *time.Time `gorm:"index"`
}

func (s *Status) IsReply() bool  { return s.InReplyToID != 0 }
func (s *Status) IsReblog() bool { return s.ReblogOfID != 0 }

// Proper unwraps a reblog to the status it boosts.
func (s *Status) Proper() *Status {
	if s.IsReblog() && s.Reblog != nil {
		return s.Reblog
	}
	return s
}

type Follow struct {
	ID              uint64 `gorm:"primaryKey"`
	AccountID       uint64 `gorm:"index:idx_follows_pair,unique"`
	TargetAccountID uint64 `gorm:"index:idx_follows_pair,unique"`
	ShowReblogs     bool   `gorm:"default:true"`
	Languages       string // comma-separated; empty = no per-follow filter
	CreatedAt       time.Time
}

type Mention struct {
	ID        uint64 `gorm:"primaryKey"`
	StatusID  uint64 `gorm:"index"`
	AccountID uint64 `gorm:"index"`
}

type List struct {
	ID            uint64 `gorm:"primaryKey"`
	AccountID     uint64 `gorm:"index"`
	Title         string
	RepliesPolicy RepliesPolicy `gorm:"default:list"`
	Exclusive     bool
	CreatedAt     time.Time
}

type ListAccount struct {
	ID        uint64 `gorm:"primaryKey"`
	ListID    uint64 `gorm:"index:idx_list_accounts_pair,unique"`
	AccountID uint64 `gorm:"index:idx_list_accounts_pair,unique"`
}

type Block struct {
	ID              uint64 `gorm:"primaryKey"`
	AccountID       uint64 `gorm:"index:idx_blocks_pair,unique"`
	TargetAccountID uint64 `gorm:"index:idx_blocks_pair,unique"`
	CreatedAt       time.Time
}

type Mute struct {
	ID              uint64 `gorm:"primaryKey"`
	AccountID       uint64 `gorm:"index:idx_mutes_pair,unique"`
	TargetAccountID uint64 `gorm:"index:idx_mutes_pair,unique"`
	CreatedAt       time.Time
}

type AccountDomainBlock struct {
	ID        uint64 `gorm:"primaryKey"`
	AccountID uint64 `gorm:"index:idx_domain_blocks_pair,unique"`
	Domain    string `gorm:"index:idx_domain_blocks_pair,unique"`
}

type Tag struct {
	ID   uint64 `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

type StatusTag struct {
	ID       uint64 `gorm:"primaryKey"`
	StatusID uint64 `gorm:"index:idx_status_tags_pair,unique"`
	TagID    uint64 `gorm:"index:idx_status_tags_pair,unique"`
}

type PreviewCard struct {
	ID  uint64 `gorm:"primaryKey"`
	URL string `gorm:"uniqueIndex"`
}

type PreviewCardStatus struct {
	ID            uint64 `gorm:"primaryKey"`
	PreviewCardID uint64 `gorm:"index:idx_preview_card_statuses_pair,unique"`
	StatusID      uint64 `gorm:"index:idx_preview_card_statuses_pair,unique"`
}

// FollowerCountCache is a denormalized counter maintained with atomic
// increment upserts; it must never be written read-modify-write.
type FollowerCountCache struct {
	AccountID      uint64 `gorm:"primaryKey"`
	FollowersCount int64
}
