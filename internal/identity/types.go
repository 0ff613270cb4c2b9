// Package identity binds the sync core to the currently authenticated user.
package identity

import (
	"context"
	"strings"
)

// Account states reported by the server for a user.
const (
	AccountStateOnline  = 1
	AccountStateDND     = 2
	AccountStateOffline = 3
)

// Notification modes a user can choose.
const (
	NotificationModeAll          = "all"
	NotificationModeMentionsOnly = "mentions_only"
)

// User is the authenticated account as returned by the session check.
type User struct {
	ID               int64  `json:"id"`
	FirstName        string `json:"firstName,omitempty"`
	LastName         string `json:"lastName,omitempty"`
	NickName         string `json:"nickName"`
	Email            string `json:"email,omitempty"`
	State            int    `json:"state"`
	NotificationMode string `json:"notificationMode,omitempty"`
}

// MentionsOnly reports whether the user wants notifications for mentions only.
func (u User) MentionsOnly() bool {
	return strings.EqualFold(strings.TrimSpace(u.NotificationMode), NotificationModeMentionsOnly)
}

// SessionChecker resolves the user behind the current credentials.
// It returns (nil, nil) when the server reports no authenticated session.
type SessionChecker interface {
	Me(ctx context.Context) (*User, error)
}

// Change describes an identity transition. Previous and Current are nil when no user is bound.
type Change struct {
	Previous *User
	Current  *User
}

// PreviousID returns the previous user id or 0.
func (c Change) PreviousID() int64 {
	if c.Previous == nil {
		return 0
	}
	return c.Previous.ID
}

// CurrentID returns the current user id or 0.
func (c Change) CurrentID() int64 {
	if c.Current == nil {
		return 0
	}
	return c.Current.ID
}

// IdentityChanged reports whether the bound user id differs.
func (c Change) IdentityChanged() bool {
	return c.PreviousID() != c.CurrentID()
}
