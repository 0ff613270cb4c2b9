package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/memohai/chatsync/internal/presence"
)

// ErrMalformedEvent is returned when a payload cannot be applied.
var ErrMalformedEvent = errors.New("channel: malformed event")

// Wire names of the events the reconciler understands.
const (
	NameChannelCreated    = "channel_created"
	NameChannelJoined     = "channel_joined"
	NameUserLeftChannel   = "user_left_channel"
	NameChannelUserLeft   = "channel_user_left"
	NameChannelDeleted    = "channel_deleted"
	NameChannelRemoved    = "channel_removed"
	NameChannelRevoked    = "channel_revoked"
	NameChannelKicked     = "channel_kicked"
	NameChannelClosed     = "channel_closed"
	NameChannelUpdated    = "channel_updated"
	NameChannelInvited    = "channel_invited"
	NameMessage           = "message"
	NameMessageNew        = "message_new"
	NameNewMessage        = "new_message"
	NameUserStatusChanged = "user_status_changed"
)

var removalReasons = map[string]RemovalReason{
	NameUserLeftChannel: ReasonLeft,
	NameChannelUserLeft: ReasonLeft,
	NameChannelDeleted:  ReasonDeleted,
	NameChannelRemoved:  ReasonRemoved,
	NameChannelRevoked:  ReasonRevoked,
	NameChannelKicked:   ReasonKicked,
	NameChannelClosed:   ReasonClosed,
}

// Event is one decoded server event. The set of implementations is closed.
type Event interface {
	Name() string
	isEvent()
}

// Created asserts a new channel and its owner.
type Created struct {
	Patch   Patch
	OwnerID int64
}

// Joined adds the channel for UserID, or for the current user when UserID is 0.
type Joined struct {
	Patch  Patch
	UserID int64
}

// Removed drops a channel for Reason. UserID is 0 when the payload names nobody.
type Removed struct {
	Event     string
	ChannelID int64
	UserID    int64
	Reason    RemovalReason
}

// Updated merges a partial channel.
type Updated struct {
	Patch Patch
}

// Invited adds or merges a pending invitation.
type Invited struct {
	Patch Patch
}

// MessageReceived reports new activity in a channel.
type MessageReceived struct {
	Event   string
	Message Message
}

// StatusChanged reports another user's presence.
type StatusChanged struct {
	UserID int64
	Status presence.Status
}

// Unknown is any event name outside the taxonomy.
type Unknown struct {
	Event string
}

func (Created) Name() string           { return NameChannelCreated }
func (Joined) Name() string            { return NameChannelJoined }
func (e Removed) Name() string         { return e.Event }
func (Updated) Name() string           { return NameChannelUpdated }
func (Invited) Name() string           { return NameChannelInvited }
func (e MessageReceived) Name() string { return e.Event }
func (StatusChanged) Name() string     { return NameUserStatusChanged }
func (e Unknown) Name() string         { return e.Event }

func (Created) isEvent()         {}
func (Joined) isEvent()          {}
func (Removed) isEvent()         {}
func (Updated) isEvent()         {}
func (Invited) isEvent()         {}
func (MessageReceived) isEvent() {}
func (StatusChanged) isEvent()   {}
func (Unknown) isEvent()         {}

// Message is the subset of a chat message the sync core looks at.
type Message struct {
	ID              int64  `json:"id,omitempty"`
	ChannelID       int64  `json:"channelId"`
	UserID          int64  `json:"userId,omitempty"`
	Content         string `json:"content,omitempty"`
	MentionedUserID int64  `json:"mentionedUserId,omitempty"`
	SenderNickName  string `json:"senderNickName,omitempty"`
}

// wirePayload accepts both camelCase and snake_case keys seen from the server.
type wirePayload struct {
	ChannelID        *int64       `json:"channelId"`
	ChannelIDSnake   *int64       `json:"channel_id"`
	ID               *int64       `json:"id"`
	UserID           *int64       `json:"userId"`
	UserIDSnake      *int64       `json:"user_id"`
	Name             *string      `json:"name"`
	Private          *bool        `json:"private"`
	OwnerID          *int64       `json:"ownerId"`
	JoinedAt         *time.Time   `json:"joinedAt"`
	Pinned           *bool        `json:"pinned"`
	LastActivityAt   *time.Time   `json:"lastActivityAt"`
	InviterNickName  *string      `json:"inviterNickName"`
	Status           *string      `json:"status"`
	MessageID        *int64       `json:"messageId"`
	Content          *string      `json:"content"`
	MentionedUserID  *int64       `json:"mentionedUserId"`
	MentionedIDSnake *int64       `json:"mentioned_user_id"`
	SenderNickName   *string      `json:"senderNickName"`
	Channel          *wireChannel `json:"channel"`
}

// wireChannel is the nested form some events use: {"channel": {...}}.
type wireChannel struct {
	ID              *int64     `json:"id"`
	Name            *string    `json:"name"`
	Private         *bool      `json:"private"`
	OwnerID         *int64     `json:"ownerId"`
	JoinedAt        *time.Time `json:"joinedAt"`
	Pinned          *bool      `json:"pinned"`
	LastActivityAt  *time.Time `json:"lastActivityAt"`
	InviterNickName *string    `json:"inviterNickName"`
}

// channelID prefers channelId, then channel_id, then id.
func (w wirePayload) channelID() int64 {
	for _, v := range []*int64{w.ChannelID, w.ChannelIDSnake, w.ID} {
		if v != nil && *v > 0 {
			return *v
		}
	}
	if w.Channel != nil && w.Channel.ID != nil {
		return *w.Channel.ID
	}
	return 0
}

func (w wirePayload) userID() int64 {
	return firstInt(w.UserID, w.UserIDSnake)
}

func (w wirePayload) patch() Patch {
	p := Patch{
		ID:              w.channelID(),
		Name:            w.Name,
		Private:         w.Private,
		OwnerID:         w.OwnerID,
		JoinedAt:        w.JoinedAt,
		Pinned:          w.Pinned,
		LastActivityAt:  w.LastActivityAt,
		InviterNickName: w.InviterNickName,
	}
	if c := w.Channel; c != nil {
		p.Name = pick(p.Name, c.Name)
		p.Private = pick(p.Private, c.Private)
		p.OwnerID = pick(p.OwnerID, c.OwnerID)
		p.JoinedAt = pick(p.JoinedAt, c.JoinedAt)
		p.Pinned = pick(p.Pinned, c.Pinned)
		p.LastActivityAt = pick(p.LastActivityAt, c.LastActivityAt)
		p.InviterNickName = pick(p.InviterNickName, c.InviterNickName)
	}
	return p
}

func firstInt(values ...*int64) int64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

// Decode maps a wire event to its typed form. Names outside the taxonomy decode to
// Unknown without looking at the payload.
func Decode(name string, data json.RawMessage) (Event, error) {
	name = strings.TrimSpace(name)
	switch name {
	case NameChannelCreated, NameChannelJoined, NameChannelUpdated, NameChannelInvited,
		NameMessage, NameMessageNew, NameNewMessage, NameUserStatusChanged:
	default:
		if _, ok := removalReasons[name]; !ok {
			return Unknown{Event: name}, nil
		}
	}

	var w wirePayload
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: %s has no payload", ErrMalformedEvent, name)
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
	}

	if name == NameUserStatusChanged {
		userID := w.userID()
		if userID <= 0 || w.Status == nil {
			return nil, fmt.Errorf("%w: %s needs userId and status", ErrMalformedEvent, name)
		}
		status, err := presence.ParseStatus(*w.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
		}
		return StatusChanged{UserID: userID, Status: status}, nil
	}

	channelID := w.channelID()
	if name == NameMessage || name == NameMessageNew || name == NameNewMessage {
		// For messages "id" is the message id, not the channel.
		channelID = firstInt(w.ChannelID, w.ChannelIDSnake)
		if channelID <= 0 {
			return nil, fmt.Errorf("%w: %s has no channelId", ErrMalformedEvent, name)
		}
		msg := Message{
			ID:              firstInt(w.MessageID, w.ID),
			ChannelID:       channelID,
			UserID:          w.userID(),
			MentionedUserID: firstInt(w.MentionedUserID, w.MentionedIDSnake),
		}
		if w.Content != nil {
			msg.Content = *w.Content
		}
		if w.SenderNickName != nil {
			msg.SenderNickName = *w.SenderNickName
		}
		return MessageReceived{Event: name, Message: msg}, nil
	}

	if channelID <= 0 {
		return nil, fmt.Errorf("%w: %s has no channelId", ErrMalformedEvent, name)
	}
	if reason, ok := removalReasons[name]; ok {
		return Removed{Event: name, ChannelID: channelID, UserID: w.userID(), Reason: reason}, nil
	}

	patch := w.patch()
	switch name {
	case NameChannelCreated:
		if w.OwnerID == nil && (w.Channel == nil || w.Channel.OwnerID == nil) {
			return nil, fmt.Errorf("%w: %s has no ownerId", ErrMalformedEvent, name)
		}
		return Created{Patch: patch, OwnerID: *patch.OwnerID}, nil
	case NameChannelJoined:
		return Joined{Patch: patch, UserID: w.userID()}, nil
	case NameChannelInvited:
		return Invited{Patch: patch}, nil
	default:
		return Updated{Patch: patch}, nil
	}
}
