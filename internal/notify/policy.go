// Package notify decides which incoming messages deserve a user-visible notification.
package notify

import (
	"regexp"
	"strings"

	"github.com/memohai/chatsync/internal/channel"
	"github.com/memohai/chatsync/internal/presence"
)

// Skip reasons reported by Decide.
const (
	ReasonNotOnline  = "status"
	ReasonVisible    = "visible"
	ReasonSelf       = "self"
	ReasonNoMention  = "no_mention"
	ReasonNoIdentity = "no_identity"
)

const previewLimit = 120

// Input is everything the policy looks at.
type Input struct {
	Message       channel.Message
	CurrentUserID int64
	CurrentNick   string
	Status        presence.Status
	MentionsOnly  bool
	AppVisible    bool
}

// Decide reports whether to notify and, when not, why.
func Decide(in Input) (bool, string) {
	switch {
	case in.CurrentUserID <= 0:
		return false, ReasonNoIdentity
	case in.Status != presence.StatusOnline:
		return false, ReasonNotOnline
	case in.AppVisible:
		return false, ReasonVisible
	case in.Message.UserID != 0 && in.Message.UserID == in.CurrentUserID:
		return false, ReasonSelf
	case in.MentionsOnly && !IsMentioned(in.Message, in.CurrentUserID, in.CurrentNick):
		return false, ReasonNoMention
	}
	return true, ""
}

// IsMentioned matches an explicit mention id or "@nick" as a whole word, ignoring case.
func IsMentioned(msg channel.Message, userID int64, nick string) bool {
	if msg.MentionedUserID != 0 && msg.MentionedUserID == userID {
		return true
	}
	nick = strings.TrimSpace(nick)
	if nick == "" || msg.Content == "" {
		return false
	}
	pattern, err := regexp.Compile(`(?i)@` + regexp.QuoteMeta(nick) + `\b`)
	if err != nil {
		return false
	}
	return pattern.MatchString(msg.Content)
}

// Notification is what a Sink presents.
type Notification struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag"`
	ChannelID int64  `json:"channelId"`
}

// Build formats the notification for msg.
func Build(msg channel.Message, channelName string) Notification {
	title := strings.TrimSpace(msg.SenderNickName)
	if title == "" {
		title = "New message"
		if channelName != "" {
			title += " in #" + channelName
		}
	}
	tag := "message-general"
	switch {
	case channelName != "":
		tag = "message-" + channelName
	case msg.ChannelID != 0:
		tag = "message-" + formatID(msg.ChannelID)
	}
	return Notification{Title: title, Body: Preview(msg.Content), Tag: tag, ChannelID: msg.ChannelID}
}

// Preview trims content to a short single notification body.
func Preview(content string) string {
	text := strings.TrimSpace(content)
	if text == "" {
		return "New message"
	}
	runes := []rune(text)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit]) + "..."
	}
	return text
}
