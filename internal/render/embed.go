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
	"context"
	"errors"

	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/module"
)

// NoopEmbed is a module.Embedder that returns the message parts
// unchanged. It is the default when no image inlining is wanted.
type NoopEmbed struct {
	instName string
}

func NewNoopEmbed(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("embed.noop: inline arguments are not used")
	}
	return &NoopEmbed{instName: instName}, nil
}

func (n *NoopEmbed) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (n *NoopEmbed) Name() string {
	return "embed.noop"
}

func (n *NoopEmbed) InstanceName() string {
	return n.instName
}

func (n *NoopEmbed) EmbedImages(_ context.Context, parts []module.BodyPart) ([]module.BodyPart, error) {
	return parts, nil
}

func init() {
	module.Register("embed.noop", NewNoopEmbed)
}
