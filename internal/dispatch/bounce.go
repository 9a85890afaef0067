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

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/outboxd/outbox/framework/module"
	"github.com/outboxd/outbox/internal/queue"
	"github.com/outboxd/outbox/internal/verp"
)

// Bounced reports a bounce message that arrived for the given envelope
// recipient address. If the address carries a message ID of a known
// queue entry, the entry is removed and a bounce event is emitted.
//
// Addresses that do not look like bounce addresses or reference entries
// that are gone already are ignored without error: bounce mail is
// network input and arrives for long-purged messages, for other systems'
// messages and for no message at all.
func (d *Dispatcher) Bounced(ctx context.Context, bounceAddr string) error {
	req := &bounceReq{
		ctx:   ctx,
		addr:  bounceAddr,
		reply: make(chan error, 1),
	}
	select {
	case d.bounces <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stop:
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) handleBounce(req *bounceReq) error {
	id, ok := verp.ExtractMsgID(req.addr)
	if !ok {
		d.Log.Debugf("ignoring non-bounce address %s", req.addr)
		return nil
	}

	// Take keeps the purge from also reporting this entry as sent.
	entry, err := d.store.Take(req.ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrNoSuchEntry) {
			d.Log.Debugf("orphan bounce for %s", id)
			return nil
		}
		return fmt.Errorf("dispatch: bounce %s: %w", id, err)
	}

	bouncedCnt.Inc()
	d.emit(req.ctx, module.Event{
		Name:    module.EvBounced,
		MsgID:   entry.ID,
		Fields:  map[string]interface{}{"recipient": entry.Recipient},
		Context: d.depickle(entry.Context),
	})
	return nil
}
