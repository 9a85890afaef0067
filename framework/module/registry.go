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
	"fmt"
	"sync"
)

var (
	modules     = make(map[string]FuncNewModule)
	modulesLock sync.RWMutex
)

// Register adds module factory function to the global registry.
//
// name must be unique. Register panics if module with the specified name
// already exists in the registry.
//
// You probably want to call it from init() of module implementation.
func Register(name string, factory FuncNewModule) {
	modulesLock.Lock()
	defer modulesLock.Unlock()

	if _, ok := modules[name]; ok {
		panic(fmt.Sprintf("Register: module with specified name is already registered: %s", name))
	}

	modules[name] = factory
}

// Get returns module factory function from the global registry.
//
// Nil is returned if no module with the specified name is registered.
func Get(name string) FuncNewModule {
	modulesLock.RLock()
	defer modulesLock.RUnlock()

	return modules[name]
}
