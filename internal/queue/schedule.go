/*
Outbox - durable outbound email dispatcher.
Copyright © 2021-2024 Outbox contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"context"
	"time"
)

const (
	// MaxRetry is the attempt count after which an active entry is
	// abandoned and purged with a failure event.
	MaxRetry = 7

	// DeleteAfter is how long sent entries are kept around before the
	// purge that emits their final outcome event. The window gives
	// bounce mail a chance to arrive while the entry still exists.
	DeleteAfter = 240 * time.Minute
)

// period returns the backoff delay after the given number of completed
// attempts.
func period(retry int) time.Duration {
	switch retry {
	case 0:
		return 10 * time.Minute
	case 1:
		return 60 * time.Minute
	case 2:
		return 720 * time.Minute
	case 3:
		return 1440 * time.Minute
	case 4:
		return 2880 * time.Minute
	case 5:
		return 4320 * time.Minute
	default:
		return 10080 * time.Minute
	}
}

// NewEntry prepares an entry for its first delivery attempt. The first
// attempt happens either right away (immediate send) or once RetryOn
// passes, whichever the caller decides.
func (s *Store) NewEntry(id, recipient string, email Email, appCtx []byte) Entry {
	n := s.now()
	return Entry{
		ID:        id,
		Recipient: recipient,
		Email:     email,
		Context:   appCtx,
		Created:   n,
		RetryOn:   n.Add(period(0)),
	}
}

// UpdateRetry consumes one delivery attempt: the attempt counter is
// incremented and RetryOn moves forward by the schedule delay for the
// new counter value. The poll calls this before spawning a worker so no
// second worker can pick the entry up while the first one runs.
func (s *Store) UpdateRetry(ctx context.Context, id string) (Entry, error) {
	var out Entry
	err := s.Update(ctx, id, func(e *Entry) {
		e.Retry++
		e.RetryOn = s.now().Add(period(e.Retry))
		out = *e
	})
	return out, err
}

// MarkSent records the remote server's acceptance of the message.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.Update(ctx, id, func(e *Entry) {
		e.Sent = s.now()
	})
}

// Due reports whether the entry is eligible for a dispatch attempt now.
func (s *Store) Due(e *Entry) bool {
	return e.Active() && e.RetryOn.Before(s.now())
}

// SentExpired reports whether a sent entry passed its retention window
// and should be purged.
func (s *Store) SentExpired(e *Entry) bool {
	return !e.Sent.IsZero() && s.now().Sub(e.Sent) > DeleteAfter
}
