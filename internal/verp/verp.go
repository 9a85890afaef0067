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

// Package verp implements the variable envelope return path scheme used
// to correlate asynchronous bounces with queued messages.
//
// Each queued message is assigned a random identifier. The identifier is
// embedded into the envelope sender (noreply+<id>@<bounce domain>) so a
// remote MTA that bounces the message addresses the notification back to
// an address the dispatcher can parse.
package verp

import (
	"crypto/rand"
	"strings"
)

const (
	// BouncePrefix is the local-part prefix of generated envelope senders.
	BouncePrefix = "noreply+"

	// ReplyPrefix is the local-part prefix used when a Reply-To header
	// pointing back at the dispatcher is requested.
	ReplyPrefix = "reply+"
)

// Companion entry ID suffixes. A message with Cc or Bcc recipients is
// queued as multiple entries sharing the base ID.
const (
	SuffixCc  = "+cc"
	SuffixBcc = "+bcc"
)

const (
	idLen      = 20
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// GenerateMsgID returns a fresh random message identifier.
//
// Identifiers are 20 characters long and drawn from [a-z0-9] so they are
// safe to use verbatim in address local-parts, file names and log output.
func GenerateMsgID() (string, error) {
	raw := make([]byte, idLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		raw[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(raw), nil
}

// BounceAddr returns the envelope sender address for the given message ID.
func BounceAddr(id, bounceDomain string) string {
	return BouncePrefix + id + "@" + bounceDomain
}

// ReplyAddr returns the reply address for the given message ID.
func ReplyAddr(id, domain string) string {
	return ReplyPrefix + id + "@" + domain
}

// IsBounceAddr reports whether addr looks like an address produced by
// BounceAddr. Only the local-part prefix is inspected, the domain is not
// verified.
func IsBounceAddr(addr string) bool {
	local := addr
	if i := strings.IndexByte(addr, '@'); i != -1 {
		local = addr[:i]
	}
	return strings.HasPrefix(local, BouncePrefix)
}

// ExtractMsgID parses the message identifier out of a bounce address.
//
// The returned ID includes the +cc/+bcc companion suffix when present,
// matching the queue entry key exactly.
func ExtractMsgID(addr string) (string, bool) {
	if !IsBounceAddr(addr) {
		return "", false
	}
	local := addr
	if i := strings.IndexByte(addr, '@'); i != -1 {
		local = addr[:i]
	}
	id := strings.TrimPrefix(local, BouncePrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// EnsureDomain appends @domain to addr if it does not name a domain
// already.
func EnsureDomain(addr, domain string) string {
	if strings.ContainsRune(addr, '@') {
		return addr
	}
	return addr + "@" + domain
}

// EscapeAddr rewrites addr so it can be embedded into the display-name
// part of another address without being parsed as one.
func EscapeAddr(addr string) string {
	return strings.ReplaceAll(addr, "@", "-at-")
}
