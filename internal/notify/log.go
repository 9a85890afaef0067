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

// Package notify provides delivery outcome notifiers.
//
// The dispatcher reports each message outcome (sent, failed, bounced,
// spam-flagged) to the configured module.Notifier instances. notify.log
// writes them to the regular log stream and is the default sink.
package notify

import (
	"context"
	"errors"
	"sort"

	"github.com/outboxd/outbox/framework/config"
	"github.com/outboxd/outbox/framework/log"
	"github.com/outboxd/outbox/framework/module"
)

type Log struct {
	instName string
	log      log.Logger
}

func NewLog(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("notify.log: inline arguments are not used")
	}
	return &Log{
		instName: instName,
		log:      log.Logger{Name: "notify.log"},
	}, nil
}

func (l *Log) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &l.log.Debug)
	_, err := cfg.Process()
	return err
}

func (l *Log) Name() string {
	return "notify.log"
}

func (l *Log) InstanceName() string {
	return l.instName
}

func (l *Log) Notify(_ context.Context, ev module.Event) error {
	kv := make([]interface{}, 0, 2+len(ev.Fields)*2)
	kv = append(kv, "msg_id", ev.MsgID)

	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, ev.Fields[k])
	}
	if ev.Context != nil {
		kv = append(kv, "context", ev.Context)
	}

	l.log.Msg(ev.Name, kv...)
	return nil
}

func init() {
	module.Register("notify.log", NewLog)
}
