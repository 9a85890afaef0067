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

// Package encoder turns queued send requests into wire-ready MIME
// messages.
//
// A request reaches the encoder in one of three shapes. Pre-built wire
// bytes pass through untouched except for the X-Mailer header. A
// structured MIME tree is serialized with the canonical header set
// merged in. Everything else goes through rendering: template
// expansion, subject derivation from the HTML title, markdown
// projection of HTML-only messages and a multipart/alternative
// container around the final parts.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/outboxd/outbox/framework/module"
	"github.com/outboxd/outbox/internal/queue"
	"github.com/outboxd/outbox/internal/verp"
)

// DefaultXMailer identifies the dispatcher in outgoing messages.
var DefaultXMailer = "outbox " + mainVersion() + " (https://github.com/outboxd/outbox)"

func mainVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "devel"
}

// Encoder builds MIME messages for the dispatcher. The rendering
// collaborators are only used for requests without a pre-built body.
type Encoder struct {
	Renderer module.Renderer
	HTMLText module.HTMLText
	Embedder module.Embedder

	// XMailer overrides DefaultXMailer when set.
	XMailer string

	// Now supplies the Date header value, nil means time.Now.
	// Replaceable in tests.
	Now func() time.Time
}

// Msg carries the per-delivery values the dispatcher resolved before
// encoding.
type Msg struct {
	// Final header values. Override and VERP rewrites are already
	// applied by the caller.
	From string
	To   string

	// ID is the queue entry ID. It ends up in the Message-Id bounce
	// address and in reply+ addresses.
	ID string

	// Domain is the primary mail domain, used for reply addresses and
	// for completing bare local parts.
	Domain string

	// BounceDomain is the domain of the Message-Id bounce address.
	BounceDomain string
}

// Encode produces the full message as it goes out on the wire.
func (e *Encoder) Encode(ctx context.Context, m Msg, email *queue.Email) ([]byte, error) {
	if email.Body != nil {
		switch {
		case len(email.Body.Raw) != 0:
			return e.encodeRaw(email.Body.Raw), nil
		case email.Body.Structured != nil:
			return e.encodeStructured(m, email)
		default:
			return nil, errors.New("encoder: pre-built body is empty")
		}
	}
	return e.encodeRendered(ctx, m, email)
}

// encodeRaw passes pre-built wire bytes through. The X-Mailer header is
// the only addition, nothing else is touched.
func (e *Encoder) encodeRaw(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+64)
	out = append(out, "X-Mailer: "+e.xMailer()+"\r\n"...)
	return append(out, raw...)
}

func (e *Encoder) encodeStructured(m Msg, email *queue.Email) ([]byte, error) {
	hdr, body, err := renderPart(email.Body.Structured)
	if err != nil {
		return nil, err
	}

	addUserHeaders(&hdr, email.Headers)
	addHeader(&hdr, "X-Mailer", e.xMailer())
	addHeader(&hdr, "Message-Id", "<"+verp.BounceAddr(m.ID, m.BounceDomain)+">")
	addHeader(&hdr, "To", m.To)
	addHeader(&hdr, "From", m.From)

	var out bytes.Buffer
	if err := textproto.WriteHeader(&out, hdr); err != nil {
		return nil, err
	}
	out.Write(body)
	return out.Bytes(), nil
}

// renderPart serializes a node of the structured MIME tree, returning
// its header block and body separately so the root header can be merged
// with the message headers.
func renderPart(p *queue.Part) (textproto.Header, []byte, error) {
	hdr := textproto.Header{}
	addUserHeaders(&hdr, p.Headers)

	if len(p.Parts) == 0 {
		addListHeader(&hdr, "Content-Type", p.Type+"/"+p.Subtype, p.Params)
		return hdr, ExpandCR(p.Body), nil
	}

	var body bytes.Buffer
	mw := textproto.NewMultipartWriter(&body)

	params := make(map[string]string, len(p.Params)+1)
	for k, v := range p.Params {
		params[k] = v
	}
	params["boundary"] = mw.Boundary()
	addListHeader(&hdr, "Content-Type", p.Type+"/"+p.Subtype, params)

	for i := range p.Parts {
		chdr, cbody, err := renderPart(&p.Parts[i])
		if err != nil {
			return textproto.Header{}, nil, err
		}
		w, err := mw.CreatePart(chdr)
		if err != nil {
			return textproto.Header{}, nil, err
		}
		if _, err := w.Write(cbody); err != nil {
			return textproto.Header{}, nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return textproto.Header{}, nil, err
	}
	return hdr, body.Bytes(), nil
}

func (e *Encoder) encodeRendered(ctx context.Context, m Msg, email *queue.Email) ([]byte, error) {
	text, html := email.Text, email.HTML
	if text == "" && email.TextTpl != "" {
		b, err := e.Renderer.Render(ctx, email.TextTpl, email.Vars)
		if err != nil {
			return nil, fmt.Errorf("encoder: text render: %w", err)
		}
		text = string(b)
	}
	if html == "" && email.HTMLTpl != "" {
		b, err := e.Renderer.Render(ctx, email.HTMLTpl, email.Vars)
		if err != nil {
			return nil, fmt.Errorf("encoder: html render: %w", err)
		}
		html = string(b)
	}

	subject := email.Subject
	if subject == "" {
		subject = titleOf(html)
	}

	var parts []module.BodyPart
	switch {
	case text == "" && html == "":
		// Nothing to attach, the alternative container stays empty.
	case text == "":
		md, err := e.HTMLText.Convert([]byte(html), false)
		if err != nil {
			return nil, fmt.Errorf("encoder: markdown projection: %w", err)
		}
		parts = append(parts, textPart("text/plain", md))
	default:
		parts = append(parts, textPart("text/plain", []byte(text)))
	}
	if html != "" {
		parts = append(parts, textPart("text/html", []byte(html)))

		embedded, err := e.Embedder.EmbedImages(ctx, parts)
		if err != nil {
			return nil, fmt.Errorf("encoder: image embedding: %w", err)
		}
		parts = embedded
	}

	var out bytes.Buffer
	mw := textproto.NewMultipartWriter(&out)

	hdr := textproto.Header{}
	addUserHeaders(&hdr, email.Headers)
	addHeader(&hdr, "X-Mailer", e.xMailer())
	addHeader(&hdr, "Message-Id", "<"+verp.BounceAddr(m.ID, m.BounceDomain)+">")
	addHeader(&hdr, "MIME-Version", "1.0")
	addHeader(&hdr, "Date", e.now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	addHeader(&hdr, "Subject", subject)
	addReplyTo(&hdr, m, email)
	if email.Cc != "" {
		addHeader(&hdr, "Cc", email.Cc)
	}
	addHeader(&hdr, "To", m.To)
	addHeader(&hdr, "From", m.From)
	addListHeader(&hdr, "Content-Type", "multipart/alternative", map[string]string{"boundary": mw.Boundary()})

	if err := textproto.WriteHeader(&out, hdr); err != nil {
		return nil, err
	}
	for _, p := range parts {
		w, err := mw.CreatePart(p.Header)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(ExpandCR(p.Body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func addReplyTo(h *textproto.Header, m Msg, email *queue.Email) {
	if email.ReplyTo == nil {
		return
	}
	switch val := *email.ReplyTo; val {
	case "":
		addHeader(h, "Reply-To", "<>")
	case "message-id":
		addHeader(h, "Reply-To", verp.ReplyAddr(m.ID, m.Domain))
	default:
		addHeader(h, "Reply-To", verp.EnsureDomain(val, m.Domain))
	}
}

func textPart(ctype string, body []byte) module.BodyPart {
	h := textproto.Header{}
	h.Add("Content-Transfer-Encoding", "8bit")
	h.Add("Content-Type", ctype+`; charset="utf-8"`)
	return module.BodyPart{Header: h, Body: body}
}

var titleRegexp = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// titleOf extracts the HTML document title for use as the subject,
// collapsed to a single line. A document without a title yields an
// empty subject.
func titleOf(html string) string {
	match := titleRegexp.FindStringSubmatch(html)
	if match == nil {
		return ""
	}
	return strings.Join(strings.Fields(match[1]), " ")
}

// ExpandCR converts bare CR and bare LF line breaks into CRLF pairs,
// leaving existing CRLF pairs alone. The conversion is idempotent.
func ExpandCR(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\r':
			out = append(out, '\r', '\n')
			if i+1 < len(b) && b[i+1] == '\n' {
				i++
			}
		case '\n':
			out = append(out, '\r', '\n')
		default:
			out = append(out, b[i])
		}
	}
	return out
}

// structuralHeader lists the headers that are emitted as plain ASCII.
// Everything else gets RFC 2047 encoding when needed.
func structuralHeader(name string) bool {
	switch strings.ToLower(name) {
	case "to", "from", "reply-to", "cc", "bcc", "date",
		"content-type", "mime-version", "content-transfer-encoding":
		return true
	}
	return false
}

// addHeader prepends a header field, applying the emission rules.
// textproto writes the most recently added field first, so callers add
// fields in reverse of the intended wire order.
func addHeader(h *textproto.Header, name, value string) {
	if structuralHeader(name) {
		h.Add(name, printableASCII(value))
		return
	}
	h.Add(name, mime.QEncoding.Encode("utf-8", value))
}

// addUserHeaders prepends extra headers in a stable order.
func addUserHeaders(h *textproto.Header, hdrs map[string]string) {
	keys := sortedKeys(hdrs)
	for i := len(keys) - 1; i >= 0; i-- {
		addHeader(h, keys[i], hdrs[keys[i]])
	}
}

// addListHeader prepends a structured field: the base item followed by
// key=value parameters, each on its own folded continuation line. The
// components are sanitized separately so the folds survive.
func addListHeader(h *textproto.Header, name, base string, params map[string]string) {
	items := make([]string, 0, len(params)+1)
	items = append(items, printableASCII(base))
	for _, k := range sortedKeys(params) {
		items = append(items, printableASCII(k+"="+params[k]))
	}
	h.AddRaw([]byte(name + ": " + strings.Join(items, ";\r\n  ") + "\r\n"))
}

func printableASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Encoder) xMailer() string {
	if e.XMailer != "" {
		return e.XMailer
	}
	return DefaultXMailer
}

func (e *Encoder) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
