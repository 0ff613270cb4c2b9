// Package channel keeps the local channel memberships and pending invitations in
// step with the events the server pushes.
package channel

import "time"

// Channel is one membership of the current user.
type Channel struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Private         bool       `json:"private"`
	OwnerID         int64      `json:"ownerId,omitempty"`
	IsOwner         bool       `json:"isOwner"`
	JoinedAt        time.Time  `json:"joinedAt,omitzero"`
	Pinned          bool       `json:"pinned"`
	LastActivityAt  *time.Time `json:"lastActivityAt,omitempty"`
	Invited         bool       `json:"invited,omitempty"`
	InviterNickName string     `json:"inviterNickName,omitempty"`
}

// PendingInvite is an invitation the user has not answered yet.
type PendingInvite struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Private         bool   `json:"private"`
	InviterNickName string `json:"inviterNickName,omitempty"`
}

func (c Channel) key() int64       { return c.ID }
func (p PendingInvite) key() int64 { return p.ID }

// Patch carries the fields present in one event payload. Nil means absent.
type Patch struct {
	ID              int64
	Name            *string
	Private         *bool
	OwnerID         *int64
	IsOwner         *bool
	JoinedAt        *time.Time
	Pinned          *bool
	LastActivityAt  *time.Time
	Invited         *bool
	InviterNickName *string
}

// Apply returns c with every present field of p written over it.
func (p Patch) Apply(c Channel) Channel {
	if c.ID == 0 {
		c.ID = p.ID
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Private != nil {
		c.Private = *p.Private
	}
	if p.OwnerID != nil {
		c.OwnerID = *p.OwnerID
	}
	if p.IsOwner != nil {
		c.IsOwner = *p.IsOwner
	}
	if p.JoinedAt != nil {
		c.JoinedAt = *p.JoinedAt
	}
	if p.Pinned != nil {
		c.Pinned = *p.Pinned
	}
	if p.LastActivityAt != nil {
		at := *p.LastActivityAt
		c.LastActivityAt = &at
	}
	if p.Invited != nil {
		c.Invited = *p.Invited
	}
	if p.InviterNickName != nil {
		c.InviterNickName = *p.InviterNickName
	}
	return c
}

// ApplyInvite returns inv with the invite fields of p written over it.
func (p Patch) ApplyInvite(inv PendingInvite) PendingInvite {
	if inv.ID == 0 {
		inv.ID = p.ID
	}
	if p.Name != nil {
		inv.Name = *p.Name
	}
	if p.Private != nil {
		inv.Private = *p.Private
	}
	if p.InviterNickName != nil {
		inv.InviterNickName = *p.InviterNickName
	}
	return inv
}

// Merge combines p and next so that applying the result equals applying p then next.
func (p Patch) Merge(next Patch) Patch {
	out := p
	if next.ID != 0 {
		out.ID = next.ID
	}
	out.Name = pick(next.Name, p.Name)
	out.Private = pick(next.Private, p.Private)
	out.OwnerID = pick(next.OwnerID, p.OwnerID)
	out.IsOwner = pick(next.IsOwner, p.IsOwner)
	out.JoinedAt = pick(next.JoinedAt, p.JoinedAt)
	out.Pinned = pick(next.Pinned, p.Pinned)
	out.LastActivityAt = pick(next.LastActivityAt, p.LastActivityAt)
	out.Invited = pick(next.Invited, p.Invited)
	out.InviterNickName = pick(next.InviterNickName, p.InviterNickName)
	return out
}

func pick[T any](preferred, fallback *T) *T {
	if preferred != nil {
		return preferred
	}
	return fallback
}

// PatchFromChannel returns a patch that sets every field of c.
func PatchFromChannel(c Channel) Patch {
	p := Patch{
		ID:              c.ID,
		Name:            &c.Name,
		Private:         &c.Private,
		OwnerID:         &c.OwnerID,
		IsOwner:         &c.IsOwner,
		Pinned:          &c.Pinned,
		Invited:         &c.Invited,
		InviterNickName: &c.InviterNickName,
	}
	if !c.JoinedAt.IsZero() {
		p.JoinedAt = &c.JoinedAt
	}
	if c.LastActivityAt != nil {
		p.LastActivityAt = c.LastActivityAt
	}
	return p
}

// RemovalReason says why a channel left the local list.
type RemovalReason string

const (
	ReasonLeft    RemovalReason = "left"
	ReasonDeleted RemovalReason = "deleted"
	ReasonRemoved RemovalReason = "removed"
	ReasonRevoked RemovalReason = "revoked"
	ReasonKicked  RemovalReason = "kicked"
	ReasonClosed  RemovalReason = "closed"
)

// Evicts reports whether the removal should move the user away from the channel.
func (r RemovalReason) Evicts() bool {
	return r == ReasonRevoked || r == ReasonKicked
}

// SelfScoped reports whether the removal only applies when it targets the current user.
func (r RemovalReason) SelfScoped() bool {
	return r == ReasonLeft || r == ReasonRevoked || r == ReasonKicked
}

// Removal is published whenever a channel is removed.
type Removal struct {
	ChannelID int64         `json:"channelId"`
	Name      string        `json:"name,omitempty"`
	Reason    RemovalReason `json:"reason"`
}
