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

// Package target contains code shared between delivery target
// implementations.
package target

import (
	"github.com/outboxd/outbox/framework/log"
	"github.com/outboxd/outbox/framework/module"
)

// DeliveryLogger returns a copy of the logger with the delivery
// identifiers from msgMeta attached as fields, so all messages logged
// during one delivery attempt can be correlated.
func DeliveryLogger(l log.Logger, msgMeta *module.MsgMetadata) log.Logger {
	fields := make(map[string]interface{}, len(l.Fields)+2)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields["delivery_id"] = msgMeta.ID
	if msgMeta.MsgID != "" {
		fields["queue_id"] = msgMeta.MsgID
	}
	l.Fields = fields
	return l
}
