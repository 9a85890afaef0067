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

// Package spamd implements a minimal SPAMC client used to ask a
// SpamAssassin daemon for its opinion on an already sent message.
//
// Only the HEADERS command is implemented. The probe is advisory, the
// dispatcher reports the verdict through the notifier bus and otherwise
// ignores it.
package spamd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Overridden in tests.
var Timeout = 10 * time.Second

type Status string

const (
	StatusYes     Status = "yes"
	StatusNo      Status = "no"
	StatusUnknown Status = "unknown"
)

// Verdict is the parsed outcome of a spamd check.
//
// Tags carries the key=value tokens spamd appends to the verdict line
// (score, required, autolearn and so on) with lowercased keys.
type Verdict struct {
	IsSpam Status
	Tags   map[string]string
}

// Check submits msg to the spamd instance at addr and returns its
// verdict.
//
// The whole exchange runs under Timeout. If the daemon goes silent
// midway, whatever response has arrived by the deadline is parsed
// as-is instead of being discarded.
func Check(ctx context.Context, addr string, msg []byte) (Verdict, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Verdict{}, fmt.Errorf("spamd: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(Timeout)); err != nil {
		return Verdict{}, fmt.Errorf("spamd: %w", err)
	}

	// Content-length counts the message plus the final CRLF.
	var req bytes.Buffer
	req.WriteString("HEADERS SPAMC/1.2\r\n")
	fmt.Fprintf(&req, "Content-length: %d\r\n", len(msg)+2)
	req.WriteString("User: spamd\r\n")
	req.WriteString("\r\n")
	req.Write(msg)
	req.WriteString("\r\n")

	if _, err := conn.Write(req.Bytes()); err != nil {
		return Verdict{}, fmt.Errorf("spamd: %w", err)
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		var nerr net.Error
		if !errors.As(err, &nerr) || !nerr.Timeout() {
			return Verdict{}, fmt.Errorf("spamd: %w", err)
		}
	}

	return parse(string(resp)), nil
}

func parse(resp string) Verdict {
	resp = strings.TrimPrefix(resp, "SPAMD/1.1 0 EX_OK\r\n")

	status, ok := parseHeaders(resp)["x-spam-status"]
	if !ok {
		return Verdict{IsSpam: StatusUnknown}
	}

	v := Verdict{}
	var rest string
	switch {
	case strings.HasPrefix(status, "Yes, "):
		v.IsSpam = StatusYes
		rest = strings.TrimPrefix(status, "Yes, ")
	case strings.HasPrefix(status, "No, "):
		v.IsSpam = StatusNo
		rest = strings.TrimPrefix(status, "No, ")
	default:
		return Verdict{IsSpam: StatusUnknown}
	}

	v.Tags = map[string]string{}
	for _, tok := range strings.Fields(rest) {
		eq := strings.IndexByte(tok, '=')
		if eq < 0 {
			continue
		}
		v.Tags[strings.ToLower(tok[:eq])] = tok[eq+1:]
	}
	return v
}

// parseHeaders reads RFC 822-style header fields. A line starting with
// whitespace continues the previous field with its tabs dropped, spamd
// folds the test list that way. Lines without a colon are skipped, so
// the response status headers and any message body copy do not confuse
// the parse.
func parseHeaders(data string) map[string]string {
	data = strings.ReplaceAll(data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")

	hdrs := map[string]string{}
	var name, value string
	flush := func() {
		if name != "" {
			hdrs[strings.ToLower(name)] = value
		}
		name, value = "", ""
	}

	for _, line := range strings.Split(data, "\n") {
		switch {
		case line == "":
			flush()
		case line[0] == ' ' || line[0] == '\t':
			if name == "" {
				continue
			}
			value += strings.ReplaceAll(line, "\t", "")
		default:
			flush()
			colon := strings.IndexByte(line, ':')
			if colon < 0 {
				continue
			}
			name = strings.TrimSpace(line[:colon])
			value = strings.TrimSpace(line[colon+1:])
		}
	}
	flush()
	return hdrs
}
