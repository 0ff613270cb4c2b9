package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/memohai/chatsync/internal/event"
	"github.com/memohai/chatsync/internal/logger"
)

// ErrChanged is returned when the bound user changed while a request made on
// behalf of the previous one was in flight.
var ErrChanged = errors.New("identity changed during request")

// Binding holds the current user and notifies observers when it changes.
// It is the single source of truth for "who is this client acting as".
type Binding struct {
	mu      sync.RWMutex
	user    *User
	gen     uint64
	checker SessionChecker
	logger  *slog.Logger

	observers event.Observers[Change]
}

// NewBinding creates an empty binding. checker may be nil when Check is never used.
func NewBinding(log *slog.Logger, checker SessionChecker) *Binding {
	return &Binding{
		checker: checker,
		logger:  logger.Component(log, "identity"),
	}
}

// CurrentUserID returns the bound user id, or 0 when nobody is signed in.
func (b *Binding) CurrentUserID() int64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.user == nil {
		return 0
	}
	return b.user.ID
}

// User returns a copy of the bound user.
func (b *Binding) User() (User, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.user == nil {
		return User{}, false
	}
	return *b.user, true
}

// OnChange registers fn for every Set/Clear. Callbacks run in registration order.
func (b *Binding) OnChange(fn func(Change)) func() {
	return b.observers.Add(fn)
}

// Set binds user. Observers are notified even when only profile fields changed,
// so dependents can re-derive state from the account (e.g. presence).
func (b *Binding) Set(user User) {
	if user.ID <= 0 {
		b.Clear()
		return
	}
	next := user
	b.mu.Lock()
	prev := b.user
	b.user = &next
	b.gen++
	b.mu.Unlock()

	if prev == nil || prev.ID != next.ID {
		b.logger.Info("identity bound", slog.Int64("user_id", next.ID))
	}
	b.observers.Notify(Change{Previous: copyUser(prev), Current: copyUser(&next)})
}

// Clear unbinds the current user. Observers are not notified when nobody was bound,
// but a Check already in flight is still invalidated.
func (b *Binding) Clear() {
	b.mu.Lock()
	prev := b.user
	b.user = nil
	b.gen++
	b.mu.Unlock()

	if prev == nil {
		return
	}
	b.logger.Info("identity cleared", slog.Int64("user_id", prev.ID))
	b.observers.Notify(Change{Previous: copyUser(prev)})
}

// Check asks the session checker who is signed in and updates the binding.
// It reports whether a user is bound afterwards. When Set or Clear ran while the
// checker was answering, the answer is discarded and ErrChanged is returned.
func (b *Binding) Check(ctx context.Context) (bool, error) {
	if b.checker == nil {
		return false, fmt.Errorf("session checker not configured")
	}
	gen := b.generation()
	user, err := b.checker.Me(ctx)
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	if b.generation() != gen {
		b.logger.Info("discarding session check, identity changed meanwhile")
		return b.CurrentUserID() > 0, ErrChanged
	}
	if user == nil || user.ID <= 0 {
		b.Clear()
		return false, nil
	}
	b.Set(*user)
	return true, nil
}

func (b *Binding) generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gen
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}
