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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/outboxd/outbox/framework/address"
	"github.com/outboxd/outbox/framework/buffer"
	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/exterrors"
	"github.com/outboxd/outbox/framework/log"
	"github.com/outboxd/outbox/framework/module"
	"github.com/outboxd/outbox/internal/encoder"
	"github.com/outboxd/outbox/internal/queue"
	"github.com/outboxd/outbox/internal/settings"
	"github.com/outboxd/outbox/internal/spamd"
	"github.com/outboxd/outbox/internal/target"
	"github.com/outboxd/outbox/internal/target/mx"
	"github.com/outboxd/outbox/internal/target/relay"
	"github.com/outboxd/outbox/internal/verp"
)

// dontRecover controls the behavior of panic handlers, if it is set to
// true - they are disabled and so tests will panic to avoid masking bugs.
var dontRecover = false

// dispatch runs one delivery attempt for the entry. It is the worker
// goroutine body, spawned via spawn.
func (d *Dispatcher) dispatch(snap settings.Snapshot, id string) {
	defer d.workersWg.Done()

	d.sem.Take()
	defer d.sem.Release()

	defer func() {
		if dontRecover {
			return
		}
		if err := recover(); err != nil {
			stack := debug.Stack()
			log.Printf("panic during dispatch of %s: %v\n%s", id, err, stack)
			d.store.MarkBroken(id)
		}
	}()

	ctx := context.Background()

	entry, err := d.store.Get(ctx, id)
	if err != nil {
		// Deleted between the schedule decision and now (bounce, manual
		// removal). Nothing left to do.
		if !errors.Is(err, queue.ErrNoSuchEntry) {
			d.Log.Error("queue read failed", err, "id", id)
		}
		return
	}

	msgMeta := &module.MsgMetadata{ID: uuid.New().String(), MsgID: entry.ID}
	dl := target.DeliveryLogger(d.Log, msgMeta)

	err = d.deliver(ctx, dl, snap, &entry, msgMeta)
	if err == nil {
		return
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		// The entry stays queued, the attempt was already consumed by
		// the schedule update.
		dl.Error("delivery attempt failed, will retry", err)
		return
	}
	dl.Error("delivery failed permanently", err)
	d.drop(ctx, entry.ID, err)
}

// drop removes a permanently failed entry and emits the failure event.
func (d *Dispatcher) drop(ctx context.Context, id string, cause error) {
	entry, err := d.store.Take(ctx, id)
	if err != nil {
		if !errors.Is(err, queue.ErrNoSuchEntry) {
			d.Log.Error("drop failed", err, "id", id)
		}
		return
	}
	failedCnt.Inc()
	d.emit(ctx, module.Event{
		Name:  module.EvFailed,
		MsgID: entry.ID,
		Fields: map[string]interface{}{
			"recipient": entry.Recipient,
			"reason":    cause.Error(),
		},
		Context: d.depickle(entry.Context),
	})
}

func (d *Dispatcher) deliver(ctx context.Context, dl log.Logger, snap settings.Snapshot, entry *queue.Entry, msgMeta *module.MsgMetadata) error {
	bounceDomain := snap.BounceDomain
	if bounceDomain == "" {
		bounceDomain = d.primaryDomain
	}
	// Envelope sender encodes the entry ID so the receiving end of bounce
	// mail can hand it back to Bounced verbatim.
	verpAddr := verp.BounceAddr(entry.ID, bounceDomain)

	from := d.resolveFrom(entry.Email.From, verpAddr, snap)

	rcptHdr := entry.Recipient
	if snap.Override != "" {
		// Reroute to the override address, keeping the original
		// recipient visible in the display name.
		rcptHdr = verp.EscapeAddr(rcptHdr) + " (override) <" + snap.Override + ">"
	}
	rcptHdr = singleLine(rcptHdr)

	rcptAddr := addrSpec(rcptHdr)
	if rcptAddr == "" {
		return exterrors.WithTemporary(
			fmt.Errorf("dispatch: recipient %q has no address", entry.Recipient), false)
	}
	if _, _, err := address.Split(rcptAddr); err != nil {
		return exterrors.WithTemporary(
			fmt.Errorf("dispatch: recipient %q: %w", rcptAddr, err), false)
	}

	data, err := d.enc.Encode(ctx, encoder.Msg{
		From:         from,
		To:           rcptHdr,
		ID:           entry.ID,
		Domain:       d.primaryDomain,
		BounceDomain: bounceDomain,
	}, &entry.Email)
	if err != nil {
		// Encoding depends only on stored state, retrying cannot help.
		return exterrors.WithTemporary(fmt.Errorf("dispatch: encode: %w", err), false)
	}

	hdr, body, err := splitMessage(data)
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("dispatch: encode: %w", err), false)
	}

	tgt, err := d.targetFor(snap)
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("dispatch: target setup: %w", err), false)
	}

	if err := d.submit(ctx, dl, tgt, msgMeta, verpAddr, rcptAddr, hdr, body); err != nil {
		return err
	}

	if err := d.store.MarkSent(ctx, entry.ID); err != nil {
		// The message left already, the entry will be retried and
		// possibly delivered twice. Better than losing the outcome.
		dl.Error("sent mark failed", err, "id", entry.ID)
	}
	sentCnt.Inc()

	if snap.BCC != "" {
		d.sendBCC(ctx, dl, snap, tgt, entry, verpAddr, hdr, body)
	}

	if addr := snap.SpamdAddr(); addr != "" {
		d.probeSpamd(ctx, dl, addr, entry, data)
	}

	return nil
}

// sendBCC submits an administrative copy of the message to the
// configured address. Failures are logged and do not affect the main
// delivery outcome.
func (d *Dispatcher) sendBCC(ctx context.Context, dl log.Logger, snap settings.Snapshot, tgt module.DeliveryTarget, entry *queue.Entry, verpAddr string, hdr textproto.Header, body buffer.Buffer) {
	meta := &module.MsgMetadata{ID: uuid.New().String(), MsgID: entry.ID}
	if err := d.submit(ctx, dl, tgt, meta, verpAddr, snap.BCC, hdr, body); err != nil {
		dl.Error("bcc copy failed", err, "bcc", snap.BCC)
	}
}

// probeSpamd asks the SpamAssassin daemon for its opinion of the message
// that was just sent and reports the verdict as an event. The probe is
// advisory, errors are absorbed.
func (d *Dispatcher) probeSpamd(ctx context.Context, dl log.Logger, addr string, entry *queue.Entry, data []byte) {
	verdict, err := spamd.Check(ctx, addr, data)
	if err != nil {
		dl.Error("spamd probe failed", err)
		return
	}
	spamVerdictCnt.WithLabelValues(string(verdict.IsSpam)).Inc()

	fields := map[string]interface{}{
		"is_spam": string(verdict.IsSpam),
	}
	for k, v := range verdict.Tags {
		fields[k] = v
	}
	d.emit(ctx, module.Event{
		Name:    module.EvSpamStatus,
		MsgID:   entry.ID,
		Fields:  fields,
		Context: d.depickle(entry.Context),
	})
}

// submit runs the Start/AddRcpt/Body/Commit sequence against the target.
func (d *Dispatcher) submit(ctx context.Context, dl log.Logger, tgt module.DeliveryTarget, msgMeta *module.MsgMetadata, mailFrom, rcptTo string, hdr textproto.Header, body buffer.Buffer) error {
	delivery, err := tgt.Start(ctx, msgMeta, mailFrom)
	if err != nil {
		return err
	}
	if err := delivery.AddRcpt(ctx, rcptTo); err != nil {
		d.abort(ctx, dl, delivery)
		return err
	}
	if err := delivery.Body(ctx, hdr, body); err != nil {
		d.abort(ctx, dl, delivery)
		return err
	}
	return delivery.Commit(ctx)
}

func (d *Dispatcher) abort(ctx context.Context, dl log.Logger, delivery module.Delivery) {
	if err := delivery.Abort(ctx); err != nil {
		dl.Error("delivery abort failed", err)
	}
}

// defaultTarget builds the delivery target described by the settings
// snapshot: a fixed relay when one is configured, direct MX delivery
// otherwise.
func (d *Dispatcher) defaultTarget(snap settings.Snapshot) (module.DeliveryTarget, error) {
	if snap.Relay {
		endp := config.Endpoint{Scheme: "tcp", Host: snap.Host, Port: snap.Port}
		if endp.Port == "" {
			endp.Port = "25"
		}
		if snap.SSL {
			endp.Scheme = "tls"
		}
		rs := relay.Settings{
			Endpoints:       []config.Endpoint{endp},
			Hostname:        d.hostname,
			AttemptStartTLS: !snap.SSL,
		}
		if snap.Auth() {
			rs.Username = snap.Username
			rs.Password = snap.Password
		}
		return relay.New("relay", rs)
	}
	return mx.New("mx", mx.Settings{
		Hostname:    d.hostname,
		NoMXLookups: snap.NoMXLookups,
	})
}

// resolveFrom decides the From header value for a delivery. An empty
// stored sender falls back to the configured default, the verp_as_from
// setting replaces the address part with the bounce address while
// keeping the display name.
func (d *Dispatcher) resolveFrom(from, verpAddr string, snap settings.Snapshot) string {
	if from == "" {
		from = d.senderDefault()
	}
	if snap.VERPAsFrom {
		return joinNameAddr(displayName(from), verpAddr)
	}
	if addrSpec(from) == "" {
		// A bare display name, attach the default address to it.
		return joinNameAddr(from, d.senderDefault())
	}
	return from
}

func (d *Dispatcher) senderDefault() string {
	if d.defaultFrom != "" {
		return d.defaultFrom
	}
	return "noreply@" + d.primaryDomain
}

// addrSpec extracts the addr-spec part of a From/To style header value:
// the part between angle brackets if they are present, the value itself
// if it looks like a bare address, an empty string otherwise.
func addrSpec(v string) string {
	if i := strings.IndexByte(v, '<'); i != -1 {
		rest := v[i+1:]
		if j := strings.IndexByte(rest, '>'); j != -1 {
			return strings.TrimSpace(rest[:j])
		}
		return ""
	}
	if strings.ContainsRune(v, '@') {
		return strings.TrimSpace(v)
	}
	return ""
}

// displayName extracts the display-name part of a From style header
// value. A bare address has none.
func displayName(v string) string {
	if i := strings.IndexByte(v, '<'); i != -1 {
		return strings.TrimSpace(v[:i])
	}
	if strings.ContainsRune(v, '@') {
		return ""
	}
	return strings.TrimSpace(v)
}

func joinNameAddr(name, addr string) string {
	if name == "" {
		return addr
	}
	return name + " <" + addr + ">"
}

// singleLine collapses any line breaks and whitespace runs, stored
// values end up in headers and must not be able to inject more of them.
func singleLine(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	return strings.Join(strings.Fields(v), " ")
}

// splitMessage separates an encoded RFC 5322 message into the header and
// body forms the delivery target API wants.
func splitMessage(data []byte) (textproto.Header, buffer.Buffer, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	hdr, err := textproto.ReadHeader(r)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return hdr, buffer.MemoryBuffer{Slice: body}, nil
}
