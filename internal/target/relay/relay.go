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

// Package relay implements the delivery target that forwards all messages
// to a fixed next-hop SMTP server.
//
// Unlike the mx target, the remote server is taken from the dispatch
// settings instead of the recipient domain. The target is cheap to
// construct, the dispatcher builds a new one from the settings snapshot
// for every delivery attempt.
//
// Interfaces implemented:
// - module.DeliveryTarget
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/trace"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/outboxd/outbox/framework/buffer"
	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/exterrors"
	"github.com/outboxd/outbox/framework/log"
	"github.com/outboxd/outbox/framework/module"
	"github.com/outboxd/outbox/internal/smtpconn"
	"github.com/outboxd/outbox/internal/target"
	"golang.org/x/net/idna"
)

// Settings describes the next-hop server the target should forward
// messages to. It is filled from the dispatch settings snapshot.
type Settings struct {
	// Endpoints to attempt, in order. The first one that accepts the
	// connection is used.
	Endpoints []config.Endpoint

	// Hostname to use in EHLO. Will be converted to the A-label form.
	Hostname string

	// Upgrade plaintext connections using STARTTLS if the server
	// announces support for it. Connection setup does not fail if the
	// extension is missing.
	AttemptStartTLS bool

	// Credentials for SASL PLAIN authentication. Auth is skipped if
	// Username is empty.
	Username string
	Password string

	// TLS configuration for both implicit TLS endpoints and STARTTLS.
	TLSConfig tls.Config

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration
}

type Relay struct {
	name     string
	hostname string
	settings Settings

	Log log.Logger
}

var _ module.DeliveryTarget = &Relay{}

// New constructs the relay target. The name is used in error annotations
// and log messages.
func New(name string, settings Settings) (module.DeliveryTarget, error) {
	if len(settings.Endpoints) == 0 {
		return nil, fmt.Errorf("%s: at least one endpoint is required", name)
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	hostname, err := idna.ToASCII(settings.Hostname)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", name, err)
	}

	return &Relay{
		name:     name,
		hostname: hostname,
		settings: settings,
		Log:      log.Logger{Name: name},
	}, nil
}

func (r *Relay) moduleError(err error) error {
	if err == nil {
		return nil
	}

	return exterrors.WithFields(err, map[string]interface{}{
		"target": r.name,
	})
}

type delivery struct {
	r   *Relay
	log log.Logger

	msgMeta  *module.MsgMetadata
	mailFrom string

	conn *smtpconn.C
}

func (r *Relay) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	defer trace.StartRegion(ctx, "target.relay/Start").End()

	d := &delivery{
		r:        r,
		log:      target.DeliveryLogger(r.Log, msgMeta),
		msgMeta:  msgMeta,
		mailFrom: mailFrom,
	}
	if err := d.connect(ctx); err != nil {
		return nil, err
	}

	if err := d.conn.Mail(ctx, mailFrom, msgMeta.SMTPOpts); err != nil {
		d.conn.Close()
		return nil, err
	}

	return d, nil
}

func (d *delivery) connect(ctx context.Context) error {
	var lastErr error

	conn := smtpconn.New()
	conn.Log = d.log
	conn.Hostname = d.r.hostname
	conn.AddrInSMTPMsg = false
	if d.r.settings.ConnectTimeout != 0 {
		conn.ConnectTimeout = d.r.settings.ConnectTimeout
	}
	if d.r.settings.CommandTimeout != 0 {
		conn.CommandTimeout = d.r.settings.CommandTimeout
	}
	if d.r.settings.SubmissionTimeout != 0 {
		conn.SubmissionTimeout = d.r.settings.SubmissionTimeout
	}

	for _, endp := range d.r.settings.Endpoints {
		_, err := conn.Connect(ctx, endp, d.r.settings.AttemptStartTLS, &d.r.settings.TLSConfig)
		if err != nil {
			if len(d.r.settings.Endpoints) != 1 {
				d.log.Error("connect error", err, "relay_server", net.JoinHostPort(endp.Host, endp.Port))
			}
			lastErr = err
			continue
		}

		d.log.DebugMsg("connected", "relay_server", conn.ServerName())

		lastErr = nil
		break
	}
	if lastErr != nil {
		return d.r.moduleError(lastErr)
	}

	if d.r.settings.Username != "" {
		saslClient := sasl.NewPlainClient("", d.r.settings.Username, d.r.settings.Password)
		if err := conn.Client().Auth(saslClient); err != nil {
			conn.Close()
			return d.r.moduleError(err)
		}
	}

	d.conn = conn

	return nil
}

func (d *delivery) AddRcpt(ctx context.Context, rcptTo string) error {
	if err := d.conn.Rcpt(ctx, rcptTo); err != nil {
		return d.r.moduleError(err)
	}

	return nil
}

func (d *delivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	r, err := body.Open()
	if err != nil {
		return d.r.moduleError(err)
	}
	defer r.Close()

	return d.r.moduleError(d.conn.Data(ctx, header, r))
}

func (d *delivery) Abort(ctx context.Context) error {
	if d.conn == nil {
		return errors.New("relay: not connected")
	}
	d.conn.Close()
	return nil
}

func (d *delivery) Commit(ctx context.Context) error {
	return d.conn.Close()
}
