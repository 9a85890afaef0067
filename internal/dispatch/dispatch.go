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

/*
Package dispatch implements the dispatcher core: a long-lived supervisor
goroutine that accepts send requests, keeps the retry schedule moving and
correlates asynchronous bounces with queue entries.

The supervisor owns all queue state transitions. Send requests and bounce
notifications reach it over channels, the retry schedule is driven by a
plain ticker. Actual SMTP deliveries run on separate worker goroutines
(bounded by a semaphore) that only ever touch the entry they were spawned
for, so they never race with the supervisor over the same entry: the poll
moves RetryOn into the future before the worker starts, taking the entry
off the schedule for the whole attempt.

Failure handling follows exterrors conventions: errors are temporary
unless explicitly marked otherwise, temporary failures leave the entry
queued for the next scheduled attempt, permanent failures drop it right
away with a failure event.
*/
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/outboxd/outbox/framework/config"
	modconfig "github.com/outboxd/outbox/framework/config/module"
	"github.com/outboxd/outbox/framework/log"
	"github.com/outboxd/outbox/framework/module"
	"github.com/outboxd/outbox/internal/encoder"
	"github.com/outboxd/outbox/internal/limiters"
	"github.com/outboxd/outbox/internal/queue"
	"github.com/outboxd/outbox/internal/settings"
	"github.com/outboxd/outbox/internal/verp"
)

// ErrClosed is returned by Send and Bounced after Close was called.
var ErrClosed = errors.New("dispatch: closed")

type sendReq struct {
	ctx    context.Context
	id     string
	email  queue.Email
	appCtx interface{}

	reply chan sendReply
}

type sendReply struct {
	id  string
	err error
}

type bounceReq struct {
	ctx  context.Context
	addr string

	reply chan error
}

type Dispatcher struct {
	instName      string
	location      string
	hostname      string
	primaryDomain string
	defaultFrom   string
	pollInterval  time.Duration
	parallelism   int

	settingsTbl module.Table
	blobs       module.BlobStore
	codec       module.ContextCodec
	notifiers   []module.Notifier

	enc   *encoder.Encoder
	store *queue.Store

	// targetFor builds the delivery target for the settings snapshot the
	// attempt runs under. Replaced in tests.
	targetFor func(s settings.Snapshot) (module.DeliveryTarget, error)

	// Owned by the supervisor goroutine after start.
	snap settings.Snapshot

	sends   chan *sendReq
	bounces chan *bounceReq
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	workersWg sync.WaitGroup
	sem       limiters.Semaphore

	Log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("dispatch: inline arguments are not used")
	}
	return &Dispatcher{
		instName: instName,
		sends:    make(chan *sendReq),
		bounces:  make(chan *bounceReq),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		Log:      log.Logger{Name: "dispatch"},
	}, nil
}

func (d *Dispatcher) Init(cfg *config.Map) error {
	var (
		renderer module.Renderer
		htmlText module.HTMLText
		embedder module.Embedder
	)
	cfg.Bool("debug", true, false, &d.Log.Debug)
	cfg.String("location", false, false, filepath.Join(config.StateDirectory, "queue"), &d.location)
	cfg.String("hostname", true, true, "", &d.hostname)
	cfg.String("primary_domain", true, true, "", &d.primaryDomain)
	cfg.String("email_from", false, false, "", &d.defaultFrom)
	cfg.Duration("poll_interval", false, false, 5*time.Second, &d.pollInterval)
	cfg.Int("parallelism", false, false, 16, &d.parallelism)
	cfg.Custom("settings", false, true, nil, modconfig.TableDirective, &d.settingsTbl)
	cfg.Custom("storage", false, false, func() (interface{}, error) {
		return defaultModule("storage.blob.fs", filepath.Join(config.StateDirectory, "blobs"))
	}, modconfig.BlobDirective, &d.blobs)
	cfg.Custom("codec", false, false, func() (interface{}, error) {
		return defaultModule("codec.json")
	}, modconfig.CodecDirective, &d.codec)
	cfg.Custom("renderer", false, false, func() (interface{}, error) {
		return defaultModule("render.liquid")
	}, modconfig.RendererDirective, &renderer)
	cfg.Custom("html_text", false, false, func() (interface{}, error) {
		return defaultModule("render.htmltext")
	}, modconfig.HTMLTextDirective, &htmlText)
	cfg.Custom("embed", false, false, func() (interface{}, error) {
		return defaultModule("embed.noop")
	}, modconfig.EmbedderDirective, &embedder)
	cfg.Callback("notify", func(m *config.Map, node config.Node) error {
		n, err := modconfig.Notifier(m.Globals, node.Args, node)
		if err != nil {
			return err
		}
		d.notifiers = append(d.notifiers, n)
		return nil
	})
	if _, err := cfg.Process(); err != nil {
		return err
	}

	d.enc = &encoder.Encoder{
		Renderer: renderer,
		HTMLText: htmlText,
		Embedder: embedder,
	}

	return d.start()
}

// defaultModule constructs an unnamed instance of the named module with
// an empty configuration block. Used for directives the configuration
// does not mention.
func defaultModule(name string, inlineArgs ...string) (interface{}, error) {
	newMod := module.Get(name)
	if newMod == nil {
		return nil, fmt.Errorf("unknown module: %s", name)
	}
	mod, err := newMod(name, "", nil, inlineArgs)
	if err != nil {
		return nil, err
	}
	if err := mod.Init(config.NewMap(nil, config.Node{})); err != nil {
		return nil, err
	}
	return mod, nil
}

func (d *Dispatcher) start() error {
	if len(d.notifiers) == 0 {
		mod, err := defaultModule("notify.log")
		if err != nil {
			return err
		}
		d.notifiers = append(d.notifiers, mod.(module.Notifier))
	}
	if d.targetFor == nil {
		d.targetFor = d.defaultTarget
	}

	d.sem = limiters.NewSemaphore(d.parallelism)

	store, err := queue.Open(d.location, d.blobs)
	if err != nil {
		return err
	}
	store.Log.Debug = d.Log.Debug
	d.store = store

	// No previous snapshot to fall back on, a broken settings table is a
	// configuration problem here and not a transient one.
	snap, err := settings.Load(context.Background(), d.settingsTbl)
	if err != nil {
		return fmt.Errorf("dispatch: initial settings load: %w", err)
	}
	d.snap = snap

	go d.run()
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-d.sends:
			req.reply <- d.handleSend(req)
		case req := <-d.bounces:
			req.reply <- d.handleBounce(req)
		case <-ticker.C:
			d.poll()
			// Drop the tick accumulated while the poll ran so slow polls
			// do not queue up back-to-back.
			select {
			case <-ticker.C:
			default:
			}
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
		<-d.done
		d.workersWg.Wait()
	})
	return nil
}

// Send stores the message in the queue, one entry per To/Cc/Bcc
// recipient, and returns the queue entry ID of the To copy. The entries
// are durable by the time Send returns. Unless email.Queue is set, the
// first delivery attempt starts immediately.
//
// An empty id means "generate one". Passing an explicit ID makes sense
// for callers that allocated it beforehand to refer to the message in
// their own storage.
func (d *Dispatcher) Send(ctx context.Context, id string, email queue.Email, appCtx interface{}) (string, error) {
	req := &sendReq{
		ctx:    ctx,
		id:     id,
		email:  email,
		appCtx: appCtx,
		reply:  make(chan sendReply, 1),
	}
	select {
	case d.sends <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-d.stop:
		return "", ErrClosed
	}
	select {
	case rep := <-req.reply:
		return rep.id, rep.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *Dispatcher) handleSend(req *sendReq) sendReply {
	id := req.id
	if id == "" {
		var err error
		id, err = verp.GenerateMsgID()
		if err != nil {
			return sendReply{err: fmt.Errorf("dispatch: %w", err)}
		}
	}

	var appCtx []byte
	if req.appCtx != nil {
		var err error
		appCtx, err = d.codec.Pickle(req.appCtx)
		if err != nil {
			return sendReply{err: fmt.Errorf("dispatch: context: %w", err)}
		}
	}

	d.refreshSnapshot(req.ctx)

	type rcpt struct {
		id, addr string
	}
	rcpts := []rcpt{}
	if req.email.To != "" {
		rcpts = append(rcpts, rcpt{id, req.email.To})
	}
	if req.email.Cc != "" {
		rcpts = append(rcpts, rcpt{id + verp.SuffixCc, req.email.Cc})
	}
	if req.email.Bcc != "" {
		rcpts = append(rcpts, rcpt{id + verp.SuffixBcc, req.email.Bcc})
	}
	if len(rcpts) == 0 {
		return sendReply{err: errors.New("dispatch: no recipients")}
	}

	enqueued := []string{}
	for _, r := range rcpts {
		entry := d.store.NewEntry(r.id, r.addr, req.email, appCtx)
		if err := d.store.Put(req.ctx, entry); err != nil {
			for _, eid := range enqueued {
				if err := d.store.Delete(req.ctx, eid); err != nil {
					d.Log.Error("enqueue rollback failed", err, "id", eid)
				}
			}
			return sendReply{err: fmt.Errorf("dispatch: enqueue %s: %w", r.id, err)}
		}
		enqueued = append(enqueued, r.id)
	}

	if !req.email.Queue {
		d.spawn(d.snap, enqueued...)
	}

	return sendReply{id: id}
}

// spawn starts a delivery worker per entry ID. Workers take the settings
// snapshot by value so a reload during the attempt cannot change its
// behavior midway.
func (d *Dispatcher) spawn(snap settings.Snapshot, ids ...string) {
	for _, id := range ids {
		id := id
		d.workersWg.Add(1)
		go d.dispatch(snap, id)
	}
}

// poll is the periodic queue sweep: purge sent entries past their
// retention window, abandon entries that ran out of attempts and start
// deliveries for entries whose RetryOn passed.
func (d *Dispatcher) poll() {
	ctx := context.Background()

	d.refreshSnapshot(ctx)

	sent, err := d.store.Select(ctx, d.store.SentExpired)
	if err != nil {
		d.Log.Error("queue scan failed", err)
		return
	}
	for _, cand := range sent {
		// Take, not Delete: a bounce racing with the purge must not
		// produce both a bounced and a sent event for one entry.
		e, err := d.store.Take(ctx, cand.ID)
		if err != nil {
			if !errors.Is(err, queue.ErrNoSuchEntry) {
				d.Log.Error("purge failed", err, "id", cand.ID)
			}
			continue
		}
		d.emit(ctx, module.Event{
			Name:    module.EvSent,
			MsgID:   e.ID,
			Fields:  map[string]interface{}{"recipient": e.Recipient},
			Context: d.depickle(e.Context),
		})
	}

	exhausted, err := d.store.Select(ctx, func(e *queue.Entry) bool { return e.Exhausted() })
	if err != nil {
		d.Log.Error("queue scan failed", err)
		return
	}
	for _, cand := range exhausted {
		e, err := d.store.Take(ctx, cand.ID)
		if err != nil {
			if !errors.Is(err, queue.ErrNoSuchEntry) {
				d.Log.Error("purge failed", err, "id", cand.ID)
			}
			continue
		}
		failedCnt.Inc()
		d.emit(ctx, module.Event{
			Name:  module.EvFailed,
			MsgID: e.ID,
			Fields: map[string]interface{}{
				"recipient": e.Recipient,
				"reason":    "retries exceeded",
			},
			Context: d.depickle(e.Context),
		})
	}

	due, err := d.store.Select(ctx, d.store.Due)
	if err != nil {
		d.Log.Error("queue scan failed", err)
		return
	}
	for _, e := range due {
		// Consume the attempt before the worker starts so the entry is
		// off the schedule while the worker runs.
		if _, err := d.store.UpdateRetry(ctx, e.ID); err != nil {
			d.Log.Error("retry update failed", err, "id", e.ID)
			continue
		}
		d.spawn(d.snap, e.ID)
	}
}

// refreshSnapshot reloads dispatch settings from the settings table. On
// failure the previous snapshot stays in effect.
func (d *Dispatcher) refreshSnapshot(ctx context.Context) {
	snap, err := settings.Load(ctx, d.settingsTbl)
	if err != nil {
		d.Log.Error("settings reload failed, using previous values", err)
		return
	}
	d.snap = snap
}

func (d *Dispatcher) emit(ctx context.Context, ev module.Event) {
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			d.Log.Error("notify failed", err, "event", ev.Name, "id", ev.MsgID)
		}
	}
}

// depickle restores the application context stored with a queue entry.
// Errors are logged and swallowed, a context that cannot be restored
// should not block the outcome event itself.
func (d *Dispatcher) depickle(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	v, err := d.codec.Depickle(raw)
	if err != nil {
		d.Log.Error("stored context is not restorable", err)
		return nil
	}
	return v
}

func (d *Dispatcher) Name() string {
	return "dispatch"
}

func (d *Dispatcher) InstanceName() string {
	return d.instName
}

func init() {
	module.Register("dispatch", New)
}
