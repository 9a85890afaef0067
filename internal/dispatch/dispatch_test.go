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
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/exterrors"
	"github.com/outboxd/outbox/framework/module"
	"github.com/outboxd/outbox/internal/codec"
	"github.com/outboxd/outbox/internal/encoder"
	"github.com/outboxd/outbox/internal/queue"
	"github.com/outboxd/outbox/internal/render"
	"github.com/outboxd/outbox/internal/settings"
	"github.com/outboxd/outbox/internal/testutils"
	"github.com/outboxd/outbox/internal/verp"
)

func init() {
	dontRecover = true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func initMod(t *testing.T, mod module.Module, err error) module.Module {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	if err := mod.Init(config.NewMap(nil, config.Node{})); err != nil {
		t.Fatal(err)
	}
	return mod
}

func testEncoder(t *testing.T, clk *fakeClock) *encoder.Encoder {
	t.Helper()

	liq, err := render.NewLiquid("render.liquid", "", nil, nil)
	renderer := initMod(t, liq, err).(module.Renderer)
	ht, err := render.NewHTMLText("render.htmltext", "", nil, nil)
	htmlText := initMod(t, ht, err).(module.HTMLText)
	emb, err := render.NewNoopEmbed("embed.noop", "", nil, nil)
	embedder := initMod(t, emb, err).(module.Embedder)

	return &encoder.Encoder{
		Renderer: renderer,
		HTMLText: htmlText,
		Embedder: embedder,
		Now:      clk.Now,
	}
}

type testEnv struct {
	d    *Dispatcher
	tgt  *testutils.Target
	sink *testutils.Notifier
	tbl  *testutils.Table
	clk  *fakeClock
}

func testDispatcher(t *testing.T, mutators ...func(*Dispatcher)) *testEnv {
	t.Helper()

	mod, err := New("dispatch", "dispatch", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := mod.(*Dispatcher)

	clk := newFakeClock()
	tbl := &testutils.Table{M: map[string]string{}}
	tgt := &testutils.Target{}
	sink := testutils.NewNotifier()

	d.Log = testutils.Logger(t, "dispatch")
	d.location = testutils.Dir(t)
	d.hostname = "mx.example.org"
	d.primaryDomain = "example.org"
	// Long enough that the ticker never fires during the test, polls are
	// driven synchronously through d.poll.
	d.pollInterval = time.Hour
	d.parallelism = 4
	d.blobs = testutils.NewMemoryBlobStore()
	d.settingsTbl = tbl
	cod, err := codec.NewJSON("codec.json", "", nil, nil)
	d.codec = initMod(t, cod, err).(module.ContextCodec)
	d.enc = testEncoder(t, clk)
	d.notifiers = []module.Notifier{sink}
	d.targetFor = func(settings.Snapshot) (module.DeliveryTarget, error) {
		return tgt, nil
	}
	for _, m := range mutators {
		m(d)
	}

	if err := d.start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Error(err)
		}
	})
	d.store.Now = clk.Now

	return &testEnv{d: d, tgt: tgt, sink: sink, tbl: tbl, clk: clk}
}

// pollAndWait runs one queue sweep and waits for all workers it spawned.
func (e *testEnv) pollAndWait() {
	e.d.poll()
	e.d.workersWg.Wait()
}

var testEmail = queue.Email{
	To:      "user@customer.example",
	TextTpl: "Hello {{ name }}!",
	HTMLTpl: "<html><head><title>Hi from Outbox</title></head>" +
		"<body><p>Hello {{ name }}!</p></body></html>",
	Vars: map[string]interface{}{"name": "Bob"},
}

func TestSendImmediate(t *testing.T) {
	env := testDispatcher(t)

	id, err := env.d.Send(context.Background(), "", testEmail, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.d.workersWg.Wait()

	if env.tgt.MessageCount() != 1 {
		t.Fatalf("want 1 submission, got %d", env.tgt.MessageCount())
	}
	msg := env.tgt.Messages[0]
	if want := "noreply+" + id + "@example.org"; msg.MailFrom != want {
		t.Errorf("wrong envelope sender: want %s, got %s", want, msg.MailFrom)
	}
	if len(msg.RcptTo) != 1 || msg.RcptTo[0] != "user@customer.example" {
		t.Errorf("wrong recipients: %v", msg.RcptTo)
	}
	if subj := msg.Header.Get("Subject"); subj != "Hi from Outbox" {
		t.Errorf("subject not derived from HTML title: %q", subj)
	}
	if ct := msg.Header.Get("Content-Type"); !strings.Contains(ct, "multipart/alternative") {
		t.Errorf("wrong content type: %q", ct)
	}
	body := string(msg.Body)
	if !strings.Contains(body, "Hello Bob!") {
		t.Errorf("rendered text missing from body:\n%s", body)
	}
	if !strings.Contains(body, "<p>Hello Bob!</p>") {
		t.Errorf("rendered html missing from body:\n%s", body)
	}
	if msg.Header.Get("Message-Id") != "<noreply+"+id+"@example.org>" {
		t.Errorf("wrong message-id: %q", msg.Header.Get("Message-Id"))
	}

	entry, err := env.d.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sent.IsZero() {
		t.Error("entry not marked as sent")
	}

	// The sent event is deferred until the retention window passes.
	env.sink.CheckNoEvent(t)
}

func TestSendReplyAfterCommit(t *testing.T) {
	env := testDispatcher(t)

	email := testEmail
	email.Queue = true
	id, err := env.d.Send(context.Background(), "", email, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Queued send: durable immediately, no delivery attempt yet.
	if _, err := env.d.store.Get(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if env.tgt.Starts() != 0 {
		t.Errorf("unexpected delivery attempt for queued send")
	}
}

func TestSendExplicitID(t *testing.T) {
	env := testDispatcher(t)

	id, err := env.d.Send(context.Background(), "ticket42reminder0001", testEmail, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != "ticket42reminder0001" {
		t.Errorf("explicit ID not preserved: %q", id)
	}
	env.d.workersWg.Wait()
	if env.tgt.MessageCount() != 1 {
		t.Fatalf("want 1 submission, got %d", env.tgt.MessageCount())
	}
}

func TestSendNoRecipients(t *testing.T) {
	env := testDispatcher(t)

	email := testEmail
	email.To = ""
	if _, err := env.d.Send(context.Background(), "", email, nil); err == nil {
		t.Fatal("expected an error for a message without recipients")
	}
}

func TestQueuedBackoff(t *testing.T) {
	env := testDispatcher(t)
	env.tgt.StartErr = exterrors.WithTemporary(errors.New("greylisted"), true)

	email := testEmail
	email.Queue = true
	id, err := env.d.Send(context.Background(), "", email, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Attempts follow the schedule: 10, then 60, then 720 minutes.
	for i, step := range []time.Duration{11, 61, 721} {
		env.clk.Advance(step * time.Minute)
		env.pollAndWait()
		if got := env.tgt.Starts(); got != i+1 {
			t.Fatalf("after poll %d: want %d attempts, got %d", i+1, i+1, got)
		}
	}
	entry, err := env.d.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Retry != 3 {
		t.Errorf("want retry counter 3, got %d", entry.Retry)
	}

	// Server recovered, the next scheduled attempt goes through.
	env.tgt.StartErr = nil
	env.clk.Advance(1441 * time.Minute)
	env.pollAndWait()

	if env.tgt.MessageCount() != 1 {
		t.Fatalf("want 1 delivered message, got %d", env.tgt.MessageCount())
	}
	entry, err = env.d.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sent.IsZero() {
		t.Fatal("entry not marked as sent")
	}

	// Retention window passes, the entry is purged with a sent event.
	env.clk.Advance(queue.DeleteAfter + time.Minute)
	env.pollAndWait()

	ev := env.sink.WaitEvent(t, module.EvSent)
	if ev.MsgID != id {
		t.Errorf("wrong event ID: %s", ev.MsgID)
	}
	if ev.Fields["recipient"] != "user@customer.example" {
		t.Errorf("wrong event recipient: %v", ev.Fields["recipient"])
	}
	if _, err := env.d.store.Get(context.Background(), id); !errors.Is(err, queue.ErrNoSuchEntry) {
		t.Errorf("entry still present after purge: %v", err)
	}
	env.sink.CheckNoEvent(t)
}

func TestRetriesExhausted(t *testing.T) {
	env := testDispatcher(t)
	env.tgt.StartErr = exterrors.WithTemporary(errors.New("connection refused"), true)

	email := testEmail
	email.Queue = true
	id, err := env.d.Send(context.Background(), "", email, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Drive the schedule to the end. Eight days comfortably exceeds the
	// longest backoff period, every sweep consumes one attempt.
	for i := 0; i < queue.MaxRetry+1; i++ {
		env.clk.Advance(8 * 24 * time.Hour)
		env.pollAndWait()
	}
	if got := env.tgt.Starts(); got != queue.MaxRetry+1 {
		t.Fatalf("want %d attempts, got %d", queue.MaxRetry+1, got)
	}

	// The next sweep abandons the entry instead of trying again.
	env.clk.Advance(8 * 24 * time.Hour)
	env.pollAndWait()

	if got := env.tgt.Starts(); got != queue.MaxRetry+1 {
		t.Errorf("attempt count grew after exhaustion: %d", got)
	}
	ev := env.sink.WaitEvent(t, module.EvFailed)
	if ev.MsgID != id {
		t.Errorf("wrong event ID: %s", ev.MsgID)
	}
	if ev.Fields["reason"] != "retries exceeded" {
		t.Errorf("wrong failure reason: %v", ev.Fields["reason"])
	}
	if _, err := env.d.store.Get(context.Background(), id); !errors.Is(err, queue.ErrNoSuchEntry) {
		t.Errorf("entry still present after purge: %v", err)
	}
}

func TestPermanentFailureDrops(t *testing.T) {
	env := testDispatcher(t)
	env.tgt.StartErr = exterrors.WithTemporary(errors.New("user unknown"), false)

	id, err := env.d.Send(context.Background(), "", testEmail, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.d.workersWg.Wait()

	ev := env.sink.WaitEvent(t, module.EvFailed)
	if ev.MsgID != id {
		t.Errorf("wrong event ID: %s", ev.MsgID)
	}
	if reason, _ := ev.Fields["reason"].(string); !strings.Contains(reason, "user unknown") {
		t.Errorf("wrong failure reason: %v", ev.Fields["reason"])
	}
	if _, err := env.d.store.Get(context.Background(), id); !errors.Is(err, queue.ErrNoSuchEntry) {
		t.Errorf("entry still present after permanent failure: %v", err)
	}
}

func TestBounceCorrelation(t *testing.T) {
	env := testDispatcher(t)

	appCtx := map[string]interface{}{"ticket": "T-1042", "attempt": "first"}
	id, err := env.d.Send(context.Background(), "", testEmail, appCtx)
	if err != nil {
		t.Fatal(err)
	}
	env.d.workersWg.Wait()
	if env.tgt.MessageCount() != 1 {
		t.Fatalf("want 1 submission, got %d", env.tgt.MessageCount())
	}

	// The remote host bounced the message back to the envelope sender.
	bounceRcpt := env.tgt.Messages[0].MailFrom
	if err := env.d.Bounced(context.Background(), bounceRcpt); err != nil {
		t.Fatal(err)
	}

	ev := env.sink.WaitEvent(t, module.EvBounced)
	if ev.MsgID != id {
		t.Errorf("wrong event ID: %s", ev.MsgID)
	}
	if ev.Fields["recipient"] != "user@customer.example" {
		t.Errorf("wrong event recipient: %v", ev.Fields["recipient"])
	}
	if !reflect.DeepEqual(ev.Context, map[string]interface{}{"ticket": "T-1042", "attempt": "first"}) {
		t.Errorf("stored context not restored: %#v", ev.Context)
	}
	if _, err := env.d.store.Get(context.Background(), id); !errors.Is(err, queue.ErrNoSuchEntry) {
		t.Errorf("entry still present after bounce: %v", err)
	}

	// No sent event for the bounced entry, even past the retention
	// window.
	env.clk.Advance(queue.DeleteAfter + time.Minute)
	env.pollAndWait()
	env.sink.CheckNoEvent(t)
}

func TestBounceIgnoresUnknown(t *testing.T) {
	env := testDispatcher(t)

	// Bounce for a message this instance never sent.
	if err := env.d.Bounced(context.Background(), verp.BounceAddr("aaaabbbbccccddddeeee", "example.org")); err != nil {
		t.Fatal(err)
	}
	// Not a bounce address at all.
	if err := env.d.Bounced(context.Background(), "someone@example.org"); err != nil {
		t.Fatal(err)
	}
	env.sink.CheckNoEvent(t)
}

func TestOverrideReroute(t *testing.T) {
	env := testDispatcher(t)
	env.tbl.M["email_override"] = "sink@qa.example.org"

	_, err := env.d.Send(context.Background(), "", testEmail, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.d.workersWg.Wait()

	if env.tgt.MessageCount() != 1 {
		t.Fatalf("want 1 submission, got %d", env.tgt.MessageCount())
	}
	msg := env.tgt.Messages[0]
	if len(msg.RcptTo) != 1 || msg.RcptTo[0] != "sink@qa.example.org" {
		t.Errorf("message not rerouted: %v", msg.RcptTo)
	}
	want := "user-at-customer.example (override) <sink@qa.example.org>"
	if to := msg.Header.Get("To"); to != want {
		t.Errorf("original recipient lost from To:\nwant %q\ngot  %q", want, to)
	}
}

func TestVERPAsFrom(t *testing.T) {
	env := testDispatcher(t)
	env.tbl.M["smtp_verp_as_from"] = "true"

	email := testEmail
	email.From = "Support Desk <support@example.org>"
	id, err := env.d.Send(context.Background(), "", email, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.d.workersWg.Wait()

	if env.tgt.MessageCount() != 1 {
		t.Fatalf("want 1 submission, got %d", env.tgt.MessageCount())
	}
	want := "Support Desk <noreply+" + id + "@example.org>"
	if from := env.tgt.Messages[0].Header.Get("From"); from != want {
		t.Errorf("wrong From:\nwant %q\ngot  %q", want, from)
	}
}

func TestCcBccFanout(t *testing.T) {
	for _, tc := range []struct {
		name        string
		parallelism int
	}{
		{"parallel", 4},
		{"serial", 1},
	} {
		parallelism := tc.parallelism
		t.Run(tc.name, func(t *testing.T) {
			env := testDispatcher(t, func(d *Dispatcher) {
				d.parallelism = parallelism
			})

			email := testEmail
			email.Cc = "cc@customer.example"
			email.Bcc = "archive@example.org"
			id, err := env.d.Send(context.Background(), "", email, nil)
			if err != nil {
				t.Fatal(err)
			}
			env.d.workersWg.Wait()

			if env.tgt.MessageCount() != 3 {
				t.Fatalf("want 3 submissions, got %d", env.tgt.MessageCount())
			}

			// Each copy is a separate queue entry with its own bounce
			// address.
			bySender := map[string][]string{}
			for _, msg := range env.tgt.Messages {
				bySender[msg.MailFrom] = msg.RcptTo
			}
			expect := map[string][]string{
				"noreply+" + id + "@example.org":                  {"user@customer.example"},
				"noreply+" + id + verp.SuffixCc + "@example.org":  {"cc@customer.example"},
				"noreply+" + id + verp.SuffixBcc + "@example.org": {"archive@example.org"},
			}
			if !reflect.DeepEqual(bySender, expect) {
				t.Errorf("wrong fanout:\nwant %v\ngot  %v", expect, bySender)
			}

			// A bounce of the Cc copy correlates to the companion entry
			// and leaves the other two alone.
			if err := env.d.Bounced(context.Background(), "noreply+"+id+verp.SuffixCc+"@example.org"); err != nil {
				t.Fatal(err)
			}
			ev := env.sink.WaitEvent(t, module.EvBounced)
			if ev.MsgID != id+verp.SuffixCc {
				t.Errorf("wrong event ID: %s", ev.MsgID)
			}
			if ev.Fields["recipient"] != "cc@customer.example" {
				t.Errorf("wrong event recipient: %v", ev.Fields["recipient"])
			}
			if _, err := env.d.store.Get(context.Background(), id); err != nil {
				t.Errorf("main entry gone after companion bounce: %v", err)
			}
		})
	}
}

func TestSettingsReloadFailure(t *testing.T) {
	env := testDispatcher(t)
	env.tbl.M["email_override"] = "sink@qa.example.org"

	// Pick up the override.
	env.pollAndWait()

	// Later loads fail, the last good snapshot stays in effect.
	env.tbl.Err = errors.New("database gone")
	env.pollAndWait()

	if !strings.Contains(env.d.snap.Override, "sink@") {
		t.Errorf("snapshot lost after failed reload: %+v", env.d.snap)
	}
}

func TestInitialSettingsLoadFailure(t *testing.T) {
	mod, err := New("dispatch", "dispatch", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := mod.(*Dispatcher)
	d.Log = testutils.Logger(t, "dispatch")
	d.location = testutils.Dir(t)
	d.primaryDomain = "example.org"
	d.pollInterval = time.Hour
	d.blobs = testutils.NewMemoryBlobStore()
	d.settingsTbl = &testutils.Table{Err: errors.New("database gone")}
	d.notifiers = []module.Notifier{testutils.NewNotifier()}
	d.targetFor = func(settings.Snapshot) (module.DeliveryTarget, error) {
		return &testutils.Target{}, nil
	}

	if err := d.start(); err == nil {
		d.Close()
		t.Fatal("start must fail when the first settings load fails")
	}
}

func TestSendAfterClose(t *testing.T) {
	env := testDispatcher(t)
	if err := env.d.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := env.d.Send(context.Background(), "", testEmail, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
	if err := env.d.Bounced(context.Background(), "noreply+x@example.org"); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}

func TestPollLoop(t *testing.T) {
	env := testDispatcher(t, func(d *Dispatcher) {
		d.pollInterval = 50 * time.Millisecond
	})
	email := testEmail
	email.Queue = true

	if _, err := env.d.Send(context.Background(), "", email, nil); err != nil {
		t.Fatal(err)
	}
	env.clk.Advance(11 * time.Minute)

	// The ticker-driven sweep must pick the entry up on its own.
	deadline := time.Now().Add(5 * time.Second)
	for env.tgt.MessageCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no delivery after 5s of polling")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
