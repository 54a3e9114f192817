// Package typing implements both halves of the "someone is typing" signal.
package typing

import (
	"time"

	"roomsync/internal/models"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout  = 3 * time.Second
	DefaultDebounce = 2 * time.Second
)

// Indicator holds the typing signal currently shown in a conversation.
// It has no timer of its own: the owner arms one timer at Deadline and
// calls Expire when it fires.
type Indicator struct {
	selfID   string
	timeout  time.Duration
	current  *models.TypingSignal
	deadline time.Time
}

func NewIndicator(selfID string, timeout time.Duration) *Indicator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Indicator{selfID: selfID, timeout: timeout}
}

// Receive shows sig until now+timeout, replacing whatever was shown.
// Signals of the local user are dropped and Receive returns false.
func (i *Indicator) Receive(sig models.TypingSignal, now time.Time) bool {
	if sig.UserID == "" || sig.UserID == i.selfID {
		return false
	}
	i.current = &sig
	i.deadline = now.Add(i.timeout)
	return true
}

// Expire clears the signal if its deadline has passed and reports whether it did.
func (i *Indicator) Expire(now time.Time) bool {
	if i.current == nil || now.Before(i.deadline) {
		return false
	}
	i.current = nil
	i.deadline = time.Time{}
	return true
}

// Clear drops the signal immediately.
func (i *Indicator) Clear() {
	i.current = nil
	i.deadline = time.Time{}
}

// Current returns the shown signal.
func (i *Indicator) Current() (models.TypingSignal, bool) {
	if i.current == nil {
		return models.TypingSignal{}, false
	}
	return *i.current, true
}

// Deadline returns when the shown signal expires, zero if none is shown.
func (i *Indicator) Deadline() time.Time {
	return i.deadline
}

// Emitter decides when a local input change should be broadcast.
// At most one signal is let through per debounce interval.
type Emitter struct {
	limiter *rate.Limiter
}

func NewEmitter(debounce time.Duration) *Emitter {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Emitter{limiter: rate.NewLimiter(rate.Every(debounce), 1)}
}

// Allow reports whether a typing signal should be sent for an input change at now.
func (e *Emitter) Allow(now time.Time) bool {
	return e.limiter.AllowN(now, 1)
}
