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

package outbox

import (
	// Imported only for the side effect of module registration.
	_ "github.com/outboxd/outbox/internal/codec"
	_ "github.com/outboxd/outbox/internal/dispatch"
	_ "github.com/outboxd/outbox/internal/notify"
	_ "github.com/outboxd/outbox/internal/render"
	_ "github.com/outboxd/outbox/internal/storage/blob/fs"
	_ "github.com/outboxd/outbox/internal/storage/blob/s3"
	_ "github.com/outboxd/outbox/internal/table"
)
