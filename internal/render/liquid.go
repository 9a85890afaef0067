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

// Package render implements template rendering for outgoing messages.
//
// render.liquid is the default module.Renderer, render.htmltext derives
// a text/plain part from rendered HTML and embed.noop is the pass-through
// image embedder.
package render

import (
	"context"
	"errors"

	"github.com/osteele/liquid"
	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/module"
)

type Liquid struct {
	instName string
	engine   *liquid.Engine
}

func NewLiquid(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("render.liquid: inline arguments are not used")
	}
	return &Liquid{
		instName: instName,
		engine:   liquid.NewEngine(),
	}, nil
}

func (l *Liquid) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (l *Liquid) Name() string {
	return "render.liquid"
}

func (l *Liquid) InstanceName() string {
	return l.instName
}

func (l *Liquid) Render(_ context.Context, tpl string, vars map[string]interface{}) ([]byte, error) {
	out, err := l.engine.ParseAndRender([]byte(tpl), liquid.Bindings(vars))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func init() {
	module.Register("render.liquid", NewLiquid)
}
