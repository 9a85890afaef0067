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

package render

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/module"
	"golang.org/x/net/html"
)

// HTMLText converts a HTML document into a markdown-flavored text/plain
// rendition suitable for the alternative part of an outgoing message.
//
// The projection is intentionally lossy. Block elements become line
// breaks, headings become # prefixes, anchors become [text](url) pairs
// and emphasis becomes the corresponding markdown markers. With noHTML
// set the markers are omitted and only the text content is kept.
type HTMLText struct {
	instName string
}

func NewHTMLText(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("render.htmltext: inline arguments are not used")
	}
	return &HTMLText{instName: instName}, nil
}

func (h *HTMLText) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (h *HTMLText) Name() string {
	return "render.htmltext"
}

func (h *HTMLText) InstanceName() string {
	return h.instName
}

func (h *HTMLText) Convert(src []byte, noHTML bool) ([]byte, error) {
	c := textConv{noHTML: noHTML}
	tok := html.NewTokenizer(bytes.NewReader(src))

	for {
		tt := tok.Next()
		switch tt {
		case html.ErrorToken:
			if err := tok.Err(); err != io.EOF {
				return nil, err
			}
			return c.result(), nil
		case html.TextToken:
			if c.skipDepth == 0 {
				c.text(string(tok.Text()))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			c.open(tok, tt == html.SelfClosingTagToken)
		case html.EndTagToken:
			name, _ := tok.TagName()
			c.close(string(name))
		}
	}
}

type textConv struct {
	noHTML bool

	out strings.Builder

	// Nesting depth of elements whose text content is dropped.
	skipDepth int

	// Whitespace was seen in the source but not written out yet.
	pendingSpace bool

	// Pending anchor href, set between <a> and </a>.
	href string
}

func (c *textConv) result() []byte {
	res := strings.TrimSpace(c.out.String())
	if res == "" {
		return nil
	}
	return []byte(res + "\n")
}

// text appends the token contents with runs of whitespace collapsed.
// Words that were separated by whitespace in the source stay separated
// even when the tokenizer returns them as distinct tokens, words that
// were glued together stay glued.
func (c *textConv) text(s string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" {
			c.pendingSpace = true
		}
		return
	}

	if r, _ := utf8.DecodeRuneInString(s); unicode.IsSpace(r) {
		c.pendingSpace = true
	}
	c.flushSpace()
	c.out.WriteString(strings.Join(fields, " "))

	if r, _ := utf8.DecodeLastRuneInString(s); unicode.IsSpace(r) {
		c.pendingSpace = true
	}
}

func (c *textConv) flushSpace() {
	if !c.pendingSpace {
		return
	}
	c.pendingSpace = false

	cur := c.out.String()
	if cur == "" {
		return
	}
	switch cur[len(cur)-1] {
	case '\n', ' ', '(', '[':
		return
	}
	c.out.WriteByte(' ')
}

func (c *textConv) newline(n int) {
	c.pendingSpace = false

	cur := strings.TrimRight(c.out.String(), " ")
	if cur == "" {
		return
	}
	have := len(cur) - len(strings.TrimRight(cur, "\n"))
	if have >= n {
		return
	}
	// Builder cannot truncate, rewrite the trimmed prefix.
	if len(cur) != c.out.Len() {
		c.out.Reset()
		c.out.WriteString(cur)
	}
	c.out.WriteString(strings.Repeat("\n", n-have))
}

// markerOpen writes an opening markdown marker. Pending whitespace is
// written out first so the marker starts a new word.
func (c *textConv) markerOpen(s string) {
	c.flushSpace()
	if c.noHTML {
		return
	}
	c.out.WriteString(s)
}

// markerClose writes a closing markdown marker directly after the
// preceding word. Pending whitespace stays pending.
func (c *textConv) markerClose(s string) {
	if c.noHTML {
		return
	}
	c.out.WriteString(s)
}

func (c *textConv) open(tok *html.Tokenizer, selfClosing bool) {
	nameB, hasAttr := tok.TagName()
	name := string(nameB)

	if c.skipDepth > 0 {
		if !selfClosing && !voidElement(name) {
			c.skipDepth++
		}
		return
	}

	switch name {
	case "script", "style", "head", "title", "textarea":
		if !selfClosing {
			c.skipDepth++
		}
	case "br":
		c.pendingSpace = false
		c.out.WriteByte('\n')
	case "p", "div", "table", "ul", "ol", "blockquote":
		c.newline(2)
	case "h1", "h2", "h3", "h4", "h5", "h6":
		c.newline(2)
		c.markerOpen(strings.Repeat("#", int(name[1]-'0')) + " ")
	case "li":
		c.newline(1)
		c.markerOpen("- ")
	case "tr":
		c.newline(1)
	case "td", "th":
		c.pendingSpace = true
	case "a":
		c.href = ""
		for hasAttr {
			var key, val []byte
			key, val, hasAttr = tok.TagAttr()
			if string(key) == "href" {
				c.href = string(val)
			}
		}
		if c.href != "" {
			c.markerOpen("[")
		}
	case "strong", "b":
		c.markerOpen("**")
	case "em", "i":
		c.markerOpen("*")
	case "img":
		for hasAttr {
			var key, val []byte
			key, val, hasAttr = tok.TagAttr()
			if string(key) == "alt" && len(val) > 0 {
				c.text(string(val))
			}
		}
	}
}

func (c *textConv) close(name string) {
	if c.skipDepth > 0 {
		if !voidElement(name) {
			c.skipDepth--
		}
		return
	}

	switch name {
	case "p", "div", "table", "ul", "ol", "blockquote":
		c.newline(2)
	case "h1", "h2", "h3", "h4", "h5", "h6", "li", "tr":
		c.newline(1)
	case "a":
		if c.href != "" {
			c.markerClose("](" + c.href + ")")
			c.href = ""
		}
	case "strong", "b":
		c.markerClose("**")
	case "em", "i":
		c.markerClose("*")
	}
}

func voidElement(name string) bool {
	switch name {
	case "area", "base", "br", "col", "embed", "hr", "img", "input",
		"link", "meta", "param", "source", "track", "wbr":
		return true
	}
	return false
}

func init() {
	module.Register("render.htmltext", NewHTMLText)
}
