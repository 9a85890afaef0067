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

package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	nettextproto "net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/module"
	"github.com/outboxd/outbox/internal/queue"
	"github.com/outboxd/outbox/internal/render"
)

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

func testEncoder(t *testing.T) *Encoder {
	t.Helper()

	liq, err := render.NewLiquid("render.liquid", "", nil, nil)
	renderer := initMod(t, liq, err).(module.Renderer)
	ht, err := render.NewHTMLText("render.htmltext", "", nil, nil)
	htmlText := initMod(t, ht, err).(module.HTMLText)
	emb, err := render.NewNoopEmbed("embed.noop", "", nil, nil)
	embedder := initMod(t, emb, err).(module.Embedder)

	return &Encoder{
		Renderer: renderer,
		HTMLText: htmlText,
		Embedder: embedder,
		XMailer:  "test-dispatcher",
		Now: func() time.Time {
			return time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)
		},
	}
}

var testMsg = Msg{
	From:         "sender@example.org",
	To:           "rcpt@example.com",
	ID:           "abcdefabcdefabcdefab",
	Domain:       "example.org",
	BounceDomain: "bounce.example.org",
}

func encode(t *testing.T, e *Encoder, email *queue.Email) []byte {
	t.Helper()
	out, err := e.Encode(context.Background(), testMsg, email)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func parseMsg(t *testing.T, raw []byte) (textproto.Header, []byte) {
	t.Helper()
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	return hdr, body
}

type wirePart struct {
	header nettextproto.MIMEHeader
	body   []byte
}

func readParts(t *testing.T, hdr textproto.Header, body []byte) []wirePart {
	t.Helper()

	mt, params, err := mime.ParseMediaType(hdr.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(mt, "multipart/") {
		t.Fatalf("not a multipart message: %s", mt)
	}
	if params["boundary"] == "" {
		t.Fatal("no boundary parameter")
	}

	var parts []wirePart
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			t.Fatal(err)
		}
		parts = append(parts, wirePart{header: p.Header, body: data})
	}
	return parts
}

func checkMediaType(t *testing.T, ctype, want string) map[string]string {
	t.Helper()
	mt, params, err := mime.ParseMediaType(ctype)
	if err != nil {
		t.Fatal(err)
	}
	if mt != want {
		t.Errorf("wrong media type: got %s, want %s", mt, want)
	}
	return params
}

func TestEncodeRaw(t *testing.T) {
	e := testEncoder(t)

	raw := "Subject: prebuilt\r\n\r\nAs-is body\r\n"
	out := encode(t, e, &queue.Email{Body: &queue.Body{Raw: []byte(raw)}})

	want := "X-Mailer: test-dispatcher\r\n" + raw
	if string(out) != want {
		t.Errorf("wrong output:\ngot  %q\nwant %q", out, want)
	}
}

func TestEncodeRawDefaultXMailer(t *testing.T) {
	e := testEncoder(t)
	e.XMailer = ""

	out := encode(t, e, &queue.Email{Body: &queue.Body{Raw: []byte("A: b\r\n\r\n")}})
	if !bytes.HasPrefix(out, []byte("X-Mailer: outbox ")) {
		t.Errorf("default X-Mailer not used: %q", out)
	}
}

func TestEncodeStructured(t *testing.T) {
	e := testEncoder(t)

	out := encode(t, e, &queue.Email{
		Headers: map[string]string{"X-Campaign": "spring-launch"},
		Body: &queue.Body{Structured: &queue.Part{
			Type:    "text",
			Subtype: "plain",
			Params:  map[string]string{"charset": "utf-8"},
			Body:    []byte("Hello from a pre-built tree.\n"),
		}},
	})

	want := "From: sender@example.org\r\n" +
		"To: rcpt@example.com\r\n" +
		"Message-Id: <noreply+abcdefabcdefabcdefab@bounce.example.org>\r\n" +
		"X-Mailer: test-dispatcher\r\n" +
		"X-Campaign: spring-launch\r\n" +
		"Content-Type: text/plain;\r\n" +
		"  charset=utf-8\r\n" +
		"\r\n" +
		"Hello from a pre-built tree.\r\n"
	if string(out) != want {
		t.Errorf("wrong output:\ngot  %q\nwant %q", out, want)
	}
}

func TestEncodeStructuredMultipart(t *testing.T) {
	e := testEncoder(t)

	out := encode(t, e, &queue.Email{
		Body: &queue.Body{Structured: &queue.Part{
			Type:    "multipart",
			Subtype: "mixed",
			Parts: []queue.Part{
				{
					Type:    "text",
					Subtype: "plain",
					Params:  map[string]string{"charset": "utf-8"},
					Body:    []byte("cover letter\n"),
				},
				{
					Type:    "application",
					Subtype: "pdf",
					Headers: map[string]string{
						"Content-Disposition": `attachment; filename="report.pdf"`,
					},
					Body: []byte("%PDF-1.4 fake"),
				},
			},
		}},
	})

	hdr, body := parseMsg(t, out)
	if got := hdr.Get("Message-Id"); got != "<noreply+abcdefabcdefabcdefab@bounce.example.org>" {
		t.Errorf("wrong Message-Id: %q", got)
	}
	if got := hdr.Get("From"); got != "sender@example.org" {
		t.Errorf("wrong From: %q", got)
	}
	checkMediaType(t, hdr.Get("Content-Type"), "multipart/mixed")

	parts := readParts(t, hdr, body)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}

	params := checkMediaType(t, parts[0].header.Get("Content-Type"), "text/plain")
	if params["charset"] != "utf-8" {
		t.Errorf("wrong charset: %q", params["charset"])
	}
	if string(parts[0].body) != "cover letter\r\n" {
		t.Errorf("wrong first part body: %q", parts[0].body)
	}

	checkMediaType(t, parts[1].header.Get("Content-Type"), "application/pdf")
	if got := parts[1].header.Get("Content-Disposition"); got != `attachment; filename="report.pdf"` {
		t.Errorf("wrong Content-Disposition: %q", got)
	}
	if string(parts[1].body) != "%PDF-1.4 fake" {
		t.Errorf("wrong second part body: %q", parts[1].body)
	}
}

func TestEncodeRendered(t *testing.T) {
	e := testEncoder(t)

	out := encode(t, e, &queue.Email{
		Cc:      "copy@example.com",
		Subject: "Monthly report",
		Text:    "plain body\n",
		HTML:    "<p>html body</p>",
		Headers: map[string]string{"X-Campaign": "spring-launch"},
	})

	if !bytes.HasPrefix(out, []byte("Content-Type: multipart/alternative;")) {
		t.Errorf("message does not start with the container header: %q", out[:40])
	}

	hdr, body := parseMsg(t, out)
	for _, f := range [][2]string{
		{"From", "sender@example.org"},
		{"To", "rcpt@example.com"},
		{"Cc", "copy@example.com"},
		{"Subject", "Monthly report"},
		{"Date", "Sat, 10 Feb 2024 12:00:00 +0000"},
		{"MIME-Version", "1.0"},
		{"Message-Id", "<noreply+abcdefabcdefabcdefab@bounce.example.org>"},
		{"X-Mailer", "test-dispatcher"},
		{"X-Campaign", "spring-launch"},
	} {
		if got := hdr.Get(f[0]); got != f[1] {
			t.Errorf("%s: got %q, want %q", f[0], got, f[1])
		}
	}
	if hdr.Has("Reply-To") {
		t.Error("unexpected Reply-To header")
	}

	parts := readParts(t, hdr, body)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}

	params := checkMediaType(t, parts[0].header.Get("Content-Type"), "text/plain")
	if params["charset"] != "utf-8" {
		t.Errorf("wrong charset: %q", params["charset"])
	}
	if got := parts[0].header.Get("Content-Transfer-Encoding"); got != "8bit" {
		t.Errorf("wrong Content-Transfer-Encoding: %q", got)
	}
	if string(parts[0].body) != "plain body\r\n" {
		t.Errorf("wrong text part: %q", parts[0].body)
	}

	checkMediaType(t, parts[1].header.Get("Content-Type"), "text/html")
	if string(parts[1].body) != "<p>html body</p>" {
		t.Errorf("wrong html part: %q", parts[1].body)
	}
}

func TestEncodeRenderedTextOnly(t *testing.T) {
	e := testEncoder(t)

	out := encode(t, e, &queue.Email{Subject: "s", Text: "just text\n"})

	hdr, body := parseMsg(t, out)
	if hdr.Has("Cc") {
		t.Error("unexpected Cc header")
	}

	parts := readParts(t, hdr, body)
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	checkMediaType(t, parts[0].header.Get("Content-Type"), "text/plain")
	if string(parts[0].body) != "just text\r\n" {
		t.Errorf("wrong text part: %q", parts[0].body)
	}
}

func TestEncodeRenderedEmpty(t *testing.T) {
	e := testEncoder(t)

	out := encode(t, e, &queue.Email{})

	hdr, body := parseMsg(t, out)
	if got := hdr.Get("Subject"); got != "" {
		t.Errorf("wrong Subject: %q", got)
	}
	checkMediaType(t, hdr.Get("Content-Type"), "multipart/alternative")

	if parts := readParts(t, hdr, body); len(parts) != 0 {
		t.Errorf("got %d parts, want an empty container", len(parts))
	}
}

func TestEncodeTemplates(t *testing.T) {
	e := testEncoder(t)

	out := encode(t, e, &queue.Email{
		Subject: "Welcome",
		TextTpl: "Hello {{ name }}, your plan is {{ plan }}.",
		HTMLTpl: "<html><head><title>ignored</title></head><body><p>Hello {{ name }}</p></body></html>",
		Vars:    map[string]interface{}{"name": "Bob", "plan": "pro"},
	})

	hdr, body := parseMsg(t, out)
	// The explicit subject wins over the HTML title.
	if got := hdr.Get("Subject"); got != "Welcome" {
		t.Errorf("wrong Subject: %q", got)
	}

	parts := readParts(t, hdr, body)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if string(parts[0].body) != "Hello Bob, your plan is pro." {
		t.Errorf("wrong rendered text: %q", parts[0].body)
	}
	if !bytes.Contains(parts[1].body, []byte("<p>Hello Bob</p>")) {
		t.Errorf("wrong rendered html: %q", parts[1].body)
	}

	// A literal body suppresses the template.
	out = encode(t, e, &queue.Email{
		Subject: "s",
		Text:    "literal",
		TextTpl: "tpl {{ name }}",
	})
	hdr, body = parseMsg(t, out)
	parts = readParts(t, hdr, body)
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if string(parts[0].body) != "literal" {
		t.Errorf("template overrode the literal body: %q", parts[0].body)
	}
}

func TestEncodeSubjectFromTitle(t *testing.T) {
	e := testEncoder(t)

	out := encode(t, e, &queue.Email{
		HTML: "<html><head><title>\n  Spring   sale\n  starts now\n</title></head><body><p>hi</p></body></html>",
	})
	hdr, _ := parseMsg(t, out)
	if got := hdr.Get("Subject"); got != "Spring sale starts now" {
		t.Errorf("wrong Subject: %q", got)
	}

	out = encode(t, e, &queue.Email{HTML: "<p>no title anywhere</p>"})
	hdr, _ = parseMsg(t, out)
	if got := hdr.Get("Subject"); got != "" {
		t.Errorf("wrong Subject for title-less document: %q", got)
	}
}

func TestTitleOf(t *testing.T) {
	check := func(html, want string) {
		t.Helper()
		if got := titleOf(html); got != want {
			t.Errorf("titleOf(%q): got %q, want %q", html, got, want)
		}
	}

	check("<title>Plain</title>", "Plain")
	check("<TITLE>Upper</TITLE>", "Upper")
	check(`<title data-x="1">Attr</title>`, "Attr")
	check("<title>\n Two\n lines \n</title>", "Two lines")
	check("<title>First</title><title>Second</title>", "First")
	check("<p>No title here</p>", "")
	check("", "")
}

func TestEncodeMarkdownFallback(t *testing.T) {
	e := testEncoder(t)

	out := encode(t, e, &queue.Email{
		Subject: "s",
		HTML:    "<p>Hello <strong>world</strong>!</p>",
	})

	hdr, body := parseMsg(t, out)
	parts := readParts(t, hdr, body)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	checkMediaType(t, parts[0].header.Get("Content-Type"), "text/plain")
	if string(parts[0].body) != "Hello **world**!\r\n" {
		t.Errorf("wrong markdown projection: %q", parts[0].body)
	}
	checkMediaType(t, parts[1].header.Get("Content-Type"), "text/html")
	if string(parts[1].body) != "<p>Hello <strong>world</strong>!</p>" {
		t.Errorf("wrong html part: %q", parts[1].body)
	}
}

func TestEncodeReplyTo(t *testing.T) {
	e := testEncoder(t)

	check := func(replyTo *string, want string) {
		t.Helper()
		out := encode(t, e, &queue.Email{Subject: "s", Text: "x", ReplyTo: replyTo})
		hdr, _ := parseMsg(t, out)
		if replyTo == nil {
			if hdr.Has("Reply-To") {
				t.Error("unexpected Reply-To header")
			}
			return
		}
		if got := hdr.Get("Reply-To"); got != want {
			t.Errorf("Reply-To for %q: got %q, want %q", *replyTo, got, want)
		}
	}
	str := func(s string) *string { return &s }

	check(nil, "")
	check(str(""), "<>")
	check(str("message-id"), "reply+abcdefabcdefabcdefab@example.org")
	check(str("support"), "support@example.org")
	check(str("help@elsewhere.org"), "help@elsewhere.org")
}

func TestHeaderEncoding(t *testing.T) {
	check := func(name, value, want string) {
		t.Helper()
		h := textproto.Header{}
		addHeader(&h, name, value)
		if got := h.Get(name); got != want {
			t.Errorf("%s: %q: got %q, want %q", name, value, got, want)
		}
	}

	// Address and structural headers stay plain ASCII, everything
	// outside the printable range is dropped.
	check("To", "rcpt@example.com", "rcpt@example.com")
	check("From", "müller@example.com", "mller@example.com")
	check("To", "a@b.example\r\nBcc: evil@example.com", "a@b.exampleBcc: evil@example.com")
	check("Date", "Sat, 10 Feb 2024 12:00:00 +0000", "Sat, 10 Feb 2024 12:00:00 +0000")

	// Everything else is RFC 2047 encoded when needed.
	check("Subject", "plain words", "plain words")
	check("Subject", "café", "=?utf-8?q?caf=C3=A9?=")
	check("Subject", "hi\r\nBcc: evil", "=?utf-8?q?hi=0D=0ABcc:_evil?=")
	check("X-Campaign", "übung", "=?utf-8?q?=C3=BCbung?=")
}

func TestExpandCR(t *testing.T) {
	check := func(in, want string) {
		t.Helper()
		got := string(ExpandCR([]byte(in)))
		if got != want {
			t.Errorf("ExpandCR(%q): got %q, want %q", in, got, want)
		}
		if again := string(ExpandCR([]byte(got))); again != got {
			t.Errorf("ExpandCR(%q) is not idempotent: %q", in, again)
		}
	}

	check("", "")
	check("no breaks", "no breaks")
	check("a\nb", "a\r\nb")
	check("a\rb", "a\r\nb")
	check("a\r\nb", "a\r\nb")
	check("a\n\nb", "a\r\n\r\nb")
	check("a\r\rb", "a\r\n\r\nb")
	check("a\r", "a\r\n")
	check("\n", "\r\n")
	check("a\rb\nc\r\nd", "a\r\nb\r\nc\r\nd")
}

func TestEncodeErrors(t *testing.T) {
	e := testEncoder(t)

	_, err := e.Encode(context.Background(), testMsg, &queue.Email{Body: &queue.Body{}})
	if err == nil {
		t.Error("expected an error for an empty pre-built body")
	}

	errStub := errors.New("stub failure")

	e = testEncoder(t)
	e.Renderer = failRenderer{err: errStub}
	_, err = e.Encode(context.Background(), testMsg, &queue.Email{TextTpl: "x"})
	if !errors.Is(err, errStub) {
		t.Errorf("text render error not propagated: %v", err)
	}
	_, err = e.Encode(context.Background(), testMsg, &queue.Email{HTMLTpl: "x"})
	if !errors.Is(err, errStub) {
		t.Errorf("html render error not propagated: %v", err)
	}

	e = testEncoder(t)
	e.HTMLText = failHTMLText{err: errStub}
	_, err = e.Encode(context.Background(), testMsg, &queue.Email{HTML: "<p>x</p>"})
	if !errors.Is(err, errStub) {
		t.Errorf("markdown projection error not propagated: %v", err)
	}

	e = testEncoder(t)
	e.Embedder = failEmbedder{err: errStub}
	_, err = e.Encode(context.Background(), testMsg, &queue.Email{Text: "x", HTML: "<p>x</p>"})
	if !errors.Is(err, errStub) {
		t.Errorf("embedder error not propagated: %v", err)
	}
}

type failRenderer struct{ err error }

func (f failRenderer) Render(context.Context, string, map[string]interface{}) ([]byte, error) {
	return nil, f.err
}

type failHTMLText struct{ err error }

func (f failHTMLText) Convert([]byte, bool) ([]byte, error) { return nil, f.err }

type failEmbedder struct{ err error }

func (f failEmbedder) EmbedImages(context.Context, []module.BodyPart) ([]module.BodyPart, error) {
	return nil, f.err
}
