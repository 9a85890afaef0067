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

package testutils

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/outboxd/outbox/framework/module"
)

// MemoryBlobStore is a module.BlobStore that keeps all blobs in memory.
type MemoryBlobStore struct {
	lock  sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: map[string][]byte{}}
}

func (s *MemoryBlobStore) Create(_ context.Context, key string, _ int64) (module.Blob, error) {
	return &memoryBlob{store: s, key: key}, nil
}

func (s *MemoryBlobStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, module.ErrNoSuchBlob
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, keys []string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, key := range keys {
		delete(s.blobs, key)
	}
	return nil
}

type memoryBlob struct {
	store *MemoryBlobStore
	key   string
	buf   bytes.Buffer
}

func (b *memoryBlob) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func (b *memoryBlob) Sync() error {
	b.store.lock.Lock()
	defer b.store.lock.Unlock()

	b.store.blobs[b.key] = append([]byte(nil), b.buf.Bytes()...)
	return nil
}

func (b *memoryBlob) Close() error {
	return b.Sync()
}
