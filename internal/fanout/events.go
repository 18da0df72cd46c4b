package fanout

import "encoding/json"

// Event types carried on the statuses topic.
const (
	EventStatusCreated     = "status.created"
	EventStatusDeleted     = "status.deleted"
	EventReblogCreated     = "reblog.created"
	EventReblogRemoved     = "reblog.removed"
	EventVisibilityChanged = "status.visibility_changed"
	EventFollowCreated     = "follow.created"
	EventFollowRemoved     = "follow.removed"
	EventAccountBlocked    = "account.blocked"
	EventAccountMuted      = "account.muted"
	EventTagUnfollowed     = "tag.unfollowed"
)

// Event is the envelope published by the status lifecycle collaborators.
// StatusID is set for status events; AccountID/TargetAccountID for
// relationship events; TagID for tag follow events.
type Event struct {
	Type            string `json:"type"`
	StatusID        uint64 `json:"status_id,omitempty"`
	AccountID       uint64 `json:"account_id,omitempty"`
	TargetAccountID uint64 `json:"target_account_id,omitempty"`
	TagID           uint64 `json:"tag_id,omitempty"`
}

func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(b, &ev)
	return ev, err
}

func (e Event) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// InvalidationEvent is emitted on the timelines topic when a feed was
// partially cleared and stream consumers should drop cached entries.
type InvalidationEvent struct {
	AccountID       uint64 `json:"account_id"`
	TargetAccountID uint64 `json:"target_account_id"`
	Reason          string `json:"reason"` // block | mute
}

func (e InvalidationEvent) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}
