package module

import (
	"context"
)

// Event names used by the dispatcher. Sinks should tolerate unknown
// names since more may be added in the future.
const (
	EvSent       = "email_sent"
	EvFailed     = "email_failed"
	EvBounced    = "email_bounced"
	EvSpamStatus = "email_spamstatus"
)

// Event is a notification about the fate of a queued message that is
// forwarded to the application.
type Event struct {
	// Name is one of the Ev* constants.
	Name string

	// MsgID is the queue entry identifier the event refers to.
	MsgID string

	// Fields contains event-specific values, e.g. the failure reason for
	// EvFailed or the spam verdict for EvSpamStatus. May be nil.
	Fields map[string]interface{}

	// Context is the application context snapshot that was stored with
	// the queue entry, restored through the configured codec. Nil when
	// the entry had none or when it cannot be restored anymore.
	Context interface{}
}

// Notifier is the interface implemented by modules that forward delivery
// events to the application.
//
// Modules implementing this interface should be registered with prefix
// "notify." in name.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}
