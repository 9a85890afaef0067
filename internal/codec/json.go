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

// Package codec provides implementations of the module.ContextCodec
// interface used to persist opaque application context values alongside
// queued messages.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/module"
)

// JSON stores context values as JSON documents.
//
// Values produced by Depickle use json.Number for numeric fields so
// integer values survive the round trip unmangled.
type JSON struct {
	instName string
	indent   bool
}

func NewJSON(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("codec.json: inline arguments are not used")
	}
	return &JSON{instName: instName}, nil
}

func (c *JSON) Init(cfg *config.Map) error {
	cfg.Bool("indent", false, false, &c.indent)
	_, err := cfg.Process()
	return err
}

func (c *JSON) Name() string {
	return "codec.json"
}

func (c *JSON) InstanceName() string {
	return c.instName
}

func (c *JSON) Pickle(v interface{}) ([]byte, error) {
	if c.indent {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

func (c *JSON) Depickle(data []byte) (interface{}, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func init() {
	module.Register("codec.json", NewJSON)
}
