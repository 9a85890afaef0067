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

package modconfig

import (
	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/module"
)

// TableDirective is a callback for use in config.Map.Custom.
//
// It does all work necessary to create a module instance from the config
// directive with the following structure:
// directive_name mod_name [inst_name] [{
//   inline_mod_config
// }]
func TableDirective(m *config.Map, node config.Node) (interface{}, error) {
	var tbl module.Table
	if err := ModuleFromNode("table", node.Args, node, m.Globals, &tbl); err != nil {
		return nil, err
	}
	return tbl, nil
}

func BlobDirective(m *config.Map, node config.Node) (interface{}, error) {
	var store module.BlobStore
	if err := ModuleFromNode("storage.blob", node.Args, node, m.Globals, &store); err != nil {
		return nil, err
	}
	return store, nil
}

func NotifierDirective(m *config.Map, node config.Node) (interface{}, error) {
	var sink module.Notifier
	if err := ModuleFromNode("notify", node.Args, node, m.Globals, &sink); err != nil {
		return nil, err
	}
	return sink, nil
}

func Notifier(globals map[string]interface{}, args []string, block config.Node) (module.Notifier, error) {
	var sink module.Notifier
	if err := ModuleFromNode("notify", args, block, globals, &sink); err != nil {
		return nil, err
	}
	return sink, nil
}

func CodecDirective(m *config.Map, node config.Node) (interface{}, error) {
	var codec module.ContextCodec
	if err := ModuleFromNode("codec", node.Args, node, m.Globals, &codec); err != nil {
		return nil, err
	}
	return codec, nil
}

func RendererDirective(m *config.Map, node config.Node) (interface{}, error) {
	var r module.Renderer
	if err := ModuleFromNode("render", node.Args, node, m.Globals, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func HTMLTextDirective(m *config.Map, node config.Node) (interface{}, error) {
	var conv module.HTMLText
	if err := ModuleFromNode("render", node.Args, node, m.Globals, &conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func EmbedderDirective(m *config.Map, node config.Node) (interface{}, error) {
	var emb module.Embedder
	if err := ModuleFromNode("embed", node.Args, node, m.Globals, &emb); err != nil {
		return nil, err
	}
	return emb, nil
}
