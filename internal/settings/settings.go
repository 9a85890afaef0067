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

// Package settings reads the dynamic dispatcher configuration.
//
// Options the operator may change at runtime (relay parameters, address
// overrides, the spamd probe target) are not part of the daemon config
// file. They are read through a module.Table so deployments can keep
// them wherever is convenient (a SQL table, a flat file) and change them
// without restarting the dispatcher. The dispatcher takes a fresh
// Snapshot at the start of every poll cycle and of every immediate send.
package settings

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/outboxd/outbox/framework/module"
)

// Snapshot is an immutable copy of the dynamic configuration.
type Snapshot struct {
	// Submit through a fixed relay instead of the recipient MX.
	Relay bool
	// Relay endpoint, used when Relay is set.
	Host string
	Port string
	// Use implicit TLS for the relay connection.
	SSL bool
	// Relay credentials. Authentication is attempted only when both are
	// set, see Auth.
	Username string
	Password string

	// Treat the target host as the final destination instead of
	// resolving MX records.
	NoMXLookups bool

	// Replace the From address with the VERP bounce address, keeping the
	// display name.
	VERPAsFrom bool

	// Address to receive a copy of every sent message, empty to disable.
	BCC string

	// Reroute all mail to this address, empty to disable. The original
	// recipient is preserved in the display name part.
	Override string

	// SpamAssassin daemon to probe after successful submission, empty
	// IP to disable.
	SpamdIP   string
	SpamdPort string

	// Domain used in VERP bounce addresses instead of the primary
	// domain, empty to use the primary domain.
	BounceDomain string
}

// Auth reports whether relay authentication should be attempted.
// Credentials are used only when both the username and the password are
// present.
func (s Snapshot) Auth() bool {
	return s.Username != "" && s.Password != ""
}

// RelayAddr returns the host:port of the configured relay. The port
// defaults to 25.
func (s Snapshot) RelayAddr() string {
	port := s.Port
	if port == "" {
		port = "25"
	}
	return net.JoinHostPort(s.Host, port)
}

// SpamdAddr returns the host:port of the spamd probe target or an empty
// string if the probe is not configured.
func (s Snapshot) SpamdAddr() string {
	if s.SpamdIP == "" || s.SpamdPort == "" {
		return ""
	}
	return net.JoinHostPort(s.SpamdIP, s.SpamdPort)
}

// Load reads all recognized options from tbl. Missing keys are left at
// their zero value, a failing lookup or a malformed boolean aborts the
// load.
func Load(ctx context.Context, tbl module.Table) (Snapshot, error) {
	l := loader{ctx: ctx, tbl: tbl}

	s := Snapshot{
		Relay:        l.boolean("smtp_relay"),
		Host:         l.str("smtp_host"),
		Port:         l.str("smtp_port"),
		SSL:          l.boolean("smtp_ssl"),
		Username:     l.str("smtp_username"),
		Password:     l.str("smtp_password"),
		NoMXLookups:  l.boolean("smtp_no_mx_lookups"),
		VERPAsFrom:   l.boolean("smtp_verp_as_from"),
		BCC:          l.str("smtp_bcc"),
		Override:     l.str("email_override"),
		SpamdIP:      l.str("smtp_spamd_ip"),
		SpamdPort:    l.str("smtp_spamd_port"),
		BounceDomain: l.str("smtp_bounce_domain"),
	}
	if l.err != nil {
		return Snapshot{}, l.err
	}
	return s, nil
}

type loader struct {
	ctx context.Context
	tbl module.Table
	err error
}

func (l *loader) str(key string) string {
	if l.err != nil {
		return ""
	}
	val, ok, err := l.tbl.Lookup(l.ctx, key)
	if err != nil {
		l.err = fmt.Errorf("settings: %s: %w", key, err)
		return ""
	}
	if !ok {
		return ""
	}
	return val
}

func (l *loader) boolean(key string) bool {
	val := l.str(key)
	if l.err != nil || val == "" {
		return false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		l.err = fmt.Errorf("settings: %s: invalid boolean: %q", key, val)
		return false
	}
	return b
}
