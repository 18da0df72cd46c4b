// Package filter holds the per-recipient visibility predicates applied
// during fan-out and during read-time backfill. The predicates are pure:
// all relationship state arrives pre-loaded in relation.Crutches.
package filter

import (
	"slices"

	"timeline-service/internal/models"
	"timeline-service/internal/relation"
)

// FromHome reports whether the status must be kept out of the recipient's
// home feed. The author's own statuses are never filtered.
func FromHome(st *models.Status, recipientID uint64, cr *relation.Crutches) bool {
	if st.AccountID == recipientID {
		return false
	}
	if cr.Blocking[recipientID] || cr.BlockedBy[recipientID] || cr.Muting[recipientID] {
		return true
	}
	if cr.DomainBlocking[recipientID] {
		return true
	}
	if st.IsReblog() && cr.HidingReblogs[recipientID] {
		return true
	}
	if langs := cr.Languages[recipientID]; len(langs) > 0 {
		lang := st.Proper().Language
		if lang != "" && !slices.Contains(langs, lang) {
			return true
		}
	}
	if cr.ExclusiveLists[recipientID] {
		return true
	}
	if st.IsReply() && st.ReblogOfID == 0 {
		// Replies surface only when the recipient is part of the
		// conversation: replying to the recipient, to the author
		// themselves, or to someone the recipient follows.
		if st.InReplyToAccountID == 0 {
			return true
		}
		if st.InReplyToAccountID != recipientID &&
			st.InReplyToAccountID != st.AccountID &&
			!cr.Following[recipientID] {
			return true
		}
	}
	return false
}

// FromList reports whether the status must be kept out of a list feed,
// per the list's replies policy. Self-replies and replies to the list
// owner always pass.
func FromList(st *models.Status, list *models.List, members map[uint64]bool) bool {
	if !st.IsReply() || st.InReplyToAccountID == st.AccountID {
		return false
	}
	if st.InReplyToAccountID == list.AccountID {
		return false
	}
	switch list.RepliesPolicy {
	case models.RepliesPolicyFollowed:
		return false
	case models.RepliesPolicyList:
		return !members[st.InReplyToAccountID]
	default: // RepliesPolicyNone
		return true
	}
}

// FromDirect reports whether a direct status must be kept out of the
// recipient's conversations: the recipient blocks or mutes the author, or
// the status replies to someone the recipient blocks.
func FromDirect(st *models.Status, recipientID uint64, cr *relation.Crutches) bool {
	if st.AccountID == recipientID {
		return false
	}
	return cr.Blocking[recipientID] || cr.Muting[recipientID]
}
