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

package queue

import (
	"time"
)

// Email is a single send request as accepted from the application.
type Email struct {
	To  string `json:"to"`
	Cc  string `json:"cc,omitempty"`
	Bcc string `json:"bcc,omitempty"`

	// From may be empty, the dispatcher then substitutes the configured
	// default sender.
	From string `json:"from,omitempty"`

	Subject string `json:"subject,omitempty"`

	// ReplyTo distinguishes four cases: nil means no Reply-To header at
	// all, an empty string means the null reply path <>, the literal
	// "message-id" requests a reply+<id> address and anything else is
	// used as the header value directly.
	ReplyTo *string `json:"reply_to,omitempty"`

	// Pre-rendered bodies. Rendered from TextTpl/HTMLTpl when empty.
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`

	TextTpl string                 `json:"text_tpl,omitempty"`
	HTMLTpl string                 `json:"html_tpl,omitempty"`
	Vars    map[string]interface{} `json:"vars,omitempty"`

	// Additional headers to include verbatim.
	Headers map[string]string `json:"headers,omitempty"`

	// Pre-built message body. When set, Text/HTML/Subject and the
	// template fields are ignored.
	Body *Body `json:"body,omitempty"`

	// Queue delays the first attempt until the next poll cycle instead
	// of dispatching right away.
	Queue bool `json:"queue,omitempty"`
}

// Body is a pre-built message payload, either complete wire bytes or a
// structured MIME tree. Exactly one of the fields is set.
type Body struct {
	Raw        []byte `json:"raw,omitempty"`
	Structured *Part  `json:"structured,omitempty"`
}

// Part is a node of a structured MIME tree. Leaf nodes carry their
// content in Body, inner nodes carry children in Parts.
type Part struct {
	Type    string            `json:"type"`
	Subtype string            `json:"subtype"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Parts   []Part            `json:"parts,omitempty"`
}

// Entry is one queued message together with its delivery state. The
// queue key is ID, companion copies for cc/bcc recipients use the base
// ID with a "+cc" or "+bcc" suffix and are otherwise independent
// entries.
type Entry struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`

	Email Email `json:"email"`

	// Pickled application context, restored for outcome events.
	Context []byte `json:"context,omitempty"`

	Created time.Time `json:"created"`
	RetryOn time.Time `json:"retry_on"`
	Retry   int       `json:"retry"`

	// Zero means the message was not accepted by the remote side yet.
	Sent time.Time `json:"sent"`
}

// Active reports whether the entry still awaits a delivery attempt.
func (e *Entry) Active() bool {
	return e.Sent.IsZero() && e.Retry <= MaxRetry
}

// Exhausted reports whether the entry ran out of delivery attempts
// without being accepted.
func (e *Entry) Exhausted() bool {
	return e.Sent.IsZero() && e.Retry > MaxRetry
}
