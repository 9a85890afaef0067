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

package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/outboxd/outbox/framework/module"
)

// Notifier is a module.Notifier implementation that pushes events
// into a buffered channel for the test to inspect.
type Notifier struct {
	Events chan module.Event
	Err    error

	InstName string
}

func NewNotifier() *Notifier {
	return &Notifier{Events: make(chan module.Event, 16)}
}

func (n *Notifier) Notify(_ context.Context, ev module.Event) error {
	if n.Err != nil {
		return n.Err
	}
	n.Events <- ev
	return nil
}

func (n *Notifier) Name() string {
	return "test_notifier"
}

func (n *Notifier) InstanceName() string {
	if n.InstName != "" {
		return n.InstName
	}
	return "test_instance"
}

// WaitEvent blocks until an event with the given name is observed, failing
// the test after a timeout. Events with other names are discarded.
func (n *Notifier) WaitEvent(t *testing.T, name string) module.Event {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-n.Events:
			if ev.Name == name {
				return ev
			}
			t.Logf("skipping event %s (%s)", ev.Name, ev.MsgID)
		case <-timeout:
			t.Fatalf("no %s event after 5s", name)
			return module.Event{}
		}
	}
}

// CheckNoEvent fails the test if any event is emitted within the short
// observation window.
func (n *Notifier) CheckNoEvent(t *testing.T) {
	t.Helper()

	select {
	case ev := <-n.Events:
		t.Errorf("unexpected event %s (%s)", ev.Name, ev.MsgID)
	case <-time.After(100 * time.Millisecond):
	}
}
