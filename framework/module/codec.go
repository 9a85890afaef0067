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

// ContextCodec is the interface implemented by modules that serialize the
// application-provided message context for storage in the queue.
//
// The value handed back by Depickle does not have to be of the same
// concrete type that was given to Pickle, it only has to carry the same
// information. E.g. the JSON codec turns struct values into maps.
//
// Modules implementing this interface should be registered with prefix
// "codec." in name.
type ContextCodec interface {
	Pickle(v interface{}) ([]byte, error)
	Depickle(data []byte) (interface{}, error)
}
