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

// Package mx implements the delivery target that transmits messages
// directly to the recipient domain, using servers discovered via DNS MX
// records.
//
// MX records are tried in preference order, a missing MX RRset falls back
// to the A/AAAA records of the domain itself (RFC 5321 Section 5.1). The
// no_mx_lookups dispatch setting skips the lookup entirely and connects
// straight to the domain host.
//
// Interfaces implemented:
// - module.DeliveryTarget
package mx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"runtime/trace"
	"sort"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/outboxd/outbox/framework/address"
	"github.com/outboxd/outbox/framework/buffer"
	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/dns"
	"github.com/outboxd/outbox/framework/exterrors"
	"github.com/outboxd/outbox/framework/log"
	"github.com/outboxd/outbox/framework/module"
	"github.com/outboxd/outbox/internal/smtpconn"
	"github.com/outboxd/outbox/internal/target"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"
)

// Replaced in tests so servers can listen on an unprivileged port.
var smtpPort = "25"

// Settings describes how direct delivery should discover and contact the
// recipient servers. It is filled from the dispatch settings snapshot.
type Settings struct {
	// Hostname to use in EHLO. Will be converted to the A-label form.
	Hostname string

	// Skip the MX lookup and connect to the recipient domain host
	// directly.
	NoMXLookups bool

	// Resolver to use for MX lookups. dns.DefaultResolver() if nil.
	Resolver dns.Resolver

	// Dialer to use for outbound connections. net.Dialer if nil.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLS configuration for STARTTLS upgrades. Empty config if nil.
	TLSConfig *tls.Config
}

type Target struct {
	name        string
	hostname    string
	noMXLookups bool
	resolver    dns.Resolver
	dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig   *tls.Config

	Log log.Logger
}

var _ module.DeliveryTarget = &Target{}

// New constructs the direct delivery target. The name is used in error
// annotations and log messages.
func New(name string, settings Settings) (module.DeliveryTarget, error) {
	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	hostname, err := idna.ToASCII(settings.Hostname)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", name, err)
	}

	t := &Target{
		name:        name,
		hostname:    hostname,
		noMXLookups: settings.NoMXLookups,
		resolver:    settings.Resolver,
		dialer:      settings.Dialer,
		tlsConfig:   settings.TLSConfig,
		Log:         log.Logger{Name: name},
	}
	if t.resolver == nil {
		t.resolver = dns.DefaultResolver()
	}
	if t.dialer == nil {
		t.dialer = (&net.Dialer{}).DialContext
	}
	if t.tlsConfig == nil {
		t.tlsConfig = &tls.Config{}
	}
	return t, nil
}

func (t *Target) moduleError(err error) error {
	if err == nil {
		return nil
	}

	return exterrors.WithFields(err, map[string]interface{}{
		"target": t.name,
	})
}

type delivery struct {
	t        *Target
	mailFrom string
	msgMeta  *module.MsgMetadata
	log      log.Logger

	recipients  []string
	connections map[string]*smtpconn.C
}

func (t *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	return &delivery{
		t:           t,
		mailFrom:    mailFrom,
		msgMeta:     msgMeta,
		log:         target.DeliveryLogger(t.Log, msgMeta),
		connections: map[string]*smtpconn.C{},
	}, nil
}

func (d *delivery) AddRcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "target.mx/AddRcpt").End()

	_, domain, err := address.Split(to)
	if err != nil {
		return err
	}
	if domain == "" {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "Recipient address lacks a domain",
			TargetName:   d.t.name,
		}
	}
	if strings.HasPrefix(domain, "[") {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "IP address literals are not supported",
			TargetName:   d.t.name,
		}
	}

	conn, err := d.connectionForDomain(ctx, domain)
	if err != nil {
		return err
	}

	if err := conn.Rcpt(ctx, to); err != nil {
		return d.t.moduleError(err)
	}

	d.recipients = append(d.recipients, to)
	return nil
}

func (d *delivery) connectionForDomain(ctx context.Context, domain string) (*smtpconn.C, error) {
	domain = strings.ToLower(domain)

	if c, ok := d.connections[domain]; ok {
		return c, nil
	}

	region := trace.StartRegion(ctx, "target.mx/LookupMX")
	records, err := d.lookupMX(ctx, domain)
	region.End()
	if err != nil {
		return nil, err
	}

	var (
		conn    *smtpconn.C
		lastErr error
	)
	region = trace.StartRegion(ctx, "target.mx/Connect+TLS")
	for _, record := range records {
		if record.Host == "." {
			region.End()
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
				TargetName:   d.t.name,
			}
		}

		c, err := d.attemptMX(ctx, domain, record.Host)
		if err != nil {
			d.log.Error("cannot use MX", err, "remote_server", record.Host, "domain", domain)
			lastErr = err
			continue
		}
		conn = c
		break
	}
	region.End()

	// Still not connected? Bail out.
	if conn == nil {
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(lastErr, 451, 550),
			EnhancedCode: exterrors.SMTPEnchCode(lastErr, exterrors.EnhancedCode{0, 4, 0}),
			Message:      "No usable MXs, last err: " + lastErr.Error(),
			TargetName:   d.t.name,
			Err:          lastErr,
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	if err := conn.Mail(ctx, d.mailFrom, d.msgMeta.SMTPOpts); err != nil {
		conn.Close()
		return nil, err
	}

	d.connections[domain] = conn
	return conn, nil
}

// attemptMX connects to one candidate host, upgrading to TLS via STARTTLS
// when the server offers it. A TLS handshake that fails certificate
// verification is retried without verification, a TLS failure of any
// other kind falls back to plaintext. Both degradations are logged.
func (d *delivery) attemptMX(ctx context.Context, domain, host string) (*smtpconn.C, error) {
	tlsCfg := d.t.tlsConfig.Clone()
	tlsCfg.ServerName = strings.TrimSuffix(host, ".")

	d.log.DebugMsg("trying", "remote_server", host, "domain", domain)

retry:
	conn := smtpconn.New()
	conn.Dialer = d.t.dialer
	conn.Log = d.log
	conn.Hostname = d.t.hostname
	conn.AddrInSMTPMsg = true

	// smtpconn.C own STARTTLS handling is not used here so TLS failures
	// can be distinguished from connection failures.
	if _, err := conn.Connect(ctx, config.Endpoint{Host: host, Port: smtpPort}, false, nil); err != nil {
		return nil, err
	}

	if ok, _ := conn.Client().Extension("STARTTLS"); ok && tlsCfg != nil {
		if err := conn.Client().StartTLS(tlsCfg); err != nil {
			conn.DirectClose()

			if isVerifyError(err) && !tlsCfg.InsecureSkipVerify {
				d.log.Error("TLS verify error, trying without authentication", err, "remote_server", host, "domain", domain)
				tlsCfg.InsecureSkipVerify = true
				goto retry
			}

			d.log.Error("TLS error, trying plaintext", err, "remote_server", host, "domain", domain)
			tlsCfg = nil
			goto retry
		}
	}

	return conn, nil
}

func isVerifyError(err error) bool {
	switch err.(type) {
	case x509.UnknownAuthorityError, x509.HostnameError,
		x509.ConstraintViolationError, x509.CertificateInvalidError:
		return true
	}
	return false
}

func (d *delivery) lookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	if d.t.noMXLookups {
		return []*net.MX{{Host: domain, Pref: 0}}, nil
	}

	records, err := d.t.resolver.LookupMX(ctx, domain)
	if err != nil {
		reason, misc := exterrors.UnwrapDNSErr(err)
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "MX lookup error",
			TargetName:   d.t.name,
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	// Fallback to A/AAAA RRs when no MX records are present, as required
	// by RFC 5321 Section 5.1.
	if len(records) == 0 {
		records = append(records, &net.MX{Host: domain, Pref: 0})
	}

	return records, nil
}

func (d *delivery) Body(ctx context.Context, header textproto.Header, b buffer.Buffer) error {
	defer trace.StartRegion(ctx, "target.mx/Body").End()

	eg, ctx := errgroup.WithContext(ctx)
	for _, conn := range d.connections {
		conn := conn
		eg.Go(func() error {
			bodyR, err := b.Open()
			if err != nil {
				return d.t.moduleError(err)
			}
			defer bodyR.Close()

			return d.t.moduleError(conn.Data(ctx, header, bodyR))
		})
	}

	return eg.Wait()
}

func (d *delivery) Abort(ctx context.Context) error {
	return d.close()
}

func (d *delivery) Commit(ctx context.Context) error {
	// Delivery happens on the final dot of each session, by the time
	// Commit is called there is nothing left to make atomic.
	return d.close()
}

func (d *delivery) close() error {
	for _, conn := range d.connections {
		d.log.Debugf("disconnected from %s", conn.ServerName())
		conn.Close()
	}
	return nil
}
