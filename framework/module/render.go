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

package module

import (
	"context"

	"github.com/emersion/go-message/textproto"
)

// BodyPart is a single MIME leaf part handled by the message encoder.
//
// Body contains the raw (not transfer-encoded) part contents.
type BodyPart struct {
	Header textproto.Header
	Body   []byte
}

// Renderer is the interface implemented by modules that turn a message
// template and a set of variables into final HTML.
//
// Modules implementing this interface should be registered with prefix
// "render." in name.
type Renderer interface {
	Render(ctx context.Context, tpl string, vars map[string]interface{}) ([]byte, error)
}

// HTMLText derives a plain text representation from HTML. It is used to
// synthesize the text/plain alternative when the message is supplied with
// a HTML body only.
//
// If noHTML is set, any markup that cannot be represented in plain text
// is dropped instead of being kept verbatim.
type HTMLText interface {
	Convert(html []byte, noHTML bool) ([]byte, error)
}

// Embedder rewrites inline image references in the HTML part and may
// append related parts containing the image data.
//
// Implementations must pass through parts they do not understand
// unchanged.
type Embedder interface {
	EmbedImages(ctx context.Context, parts []BodyPart) ([]BodyPart, error)
}
