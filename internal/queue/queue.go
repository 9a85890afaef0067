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

// Package queue implements the persistent store for outgoing messages
// and the retry schedule that drives redelivery.
//
// Disk format
//
// The store directory contains one <id>.meta file per entry, a JSON
// serialization of Entry without the message payload. Payloads (raw
// wire bytes or the structured MIME tree) are kept in a blob store
// under the <id>.body key so that deployments can move the bulk of the
// data to object storage while metadata stays local.
//
// Metadata updates are atomic: the new serialization is written to
// <id>.meta.new, synced and renamed over the old file. A crash in the
// middle of an update therefore leaves either the old or the new state,
// never a mix. Meta files that fail to parse are renamed to
// <id>.meta_broken and skipped so one corrupted entry cannot take the
// whole queue down.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/outboxd/outbox/framework/log"
	"github.com/outboxd/outbox/framework/module"
)

// ErrNoSuchEntry is returned for operations referencing a queue entry
// that does not exist.
var ErrNoSuchEntry = errors.New("queue: no such entry")

// Store is the on-disk message queue. All operations are safe for
// concurrent use and each runs atomically with respect to the others.
type Store struct {
	Log log.Logger

	// Now returns the current time for schedule arithmetic.
	// Replaceable in tests, nil means time.Now.
	Now func() time.Time

	location string
	blobs    module.BlobStore

	lock sync.Mutex
}

// entryMeta is the serialization of an entry in its .meta file. The
// payload itself lives in the blob store, HasBody records whether one
// exists for this entry.
type entryMeta struct {
	Entry
	HasBody bool `json:"has_body,omitempty"`
}

// Open initializes the store in the given directory, creating it if
// necessary, and recovers state left over from a previous run.
func Open(location string, blobs module.BlobStore) (*Store, error) {
	s := &Store{
		Log:      log.Logger{Name: "queue"},
		location: location,
		blobs:    blobs,
	}

	if err := os.MkdirAll(location, os.ModeDir|0o700); err != nil {
		return nil, err
	}
	if err := s.recoverDiskState(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverDiskState() error {
	dirInfo, err := ioutil.ReadDir(s.location)
	if err != nil {
		return err
	}

	loadedCount := 0
	for _, ent := range dirInfo {
		name := ent.Name()
		if ent.IsDir() {
			continue
		}
		// A leftover from an update interrupted before the rename.
		if strings.HasSuffix(name, ".meta.new") {
			s.tryRemoveDanglingFile(name)
			continue
		}
		if !strings.HasSuffix(name, ".meta") {
			continue
		}
		id := name[:len(name)-5]

		if _, err := s.readMeta(id); err != nil {
			s.Log.Printf("failed to read meta-data, discarding: %v (msg ID = %s)", err, id)
			s.discardBroken(id)
			continue
		}
		loadedCount++
	}

	if loadedCount != 0 {
		s.Log.Printf("loaded %d saved queue entries", loadedCount)
	}
	return nil
}

// discardBroken renames the meta file out of the way so it will not be
// picked up again but stays around for inspection.
func (s *Store) discardBroken(id string) {
	if err := os.Rename(filepath.Join(s.location, id+".meta"), filepath.Join(s.location, id+".meta_broken")); err != nil {
		// Either we have a bug or system is in a really bad state.
		s.Log.Error("can't rename broken meta-data", err, "id", id)
	}
}

func (s *Store) tryRemoveDanglingFile(name string) {
	if err := os.Remove(filepath.Join(s.location, name)); err != nil {
		s.Log.Error("dangling file remove failed", err)
		return
	}
	s.Log.Printf("removed dangling file %s", name)
}

func validID(id string) error {
	if id == "" {
		return errors.New("queue: empty entry ID")
	}
	if strings.Contains(id, "/") || strings.Contains(id, "..") {
		return fmt.Errorf("queue: refusing to use entry ID %q", id)
	}
	return nil
}

// Put stores a new entry. An existing entry with the same ID is
// replaced.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if err := validID(e.ID); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	meta := entryMeta{Entry: e}
	if e.Email.Body != nil {
		if err := s.writeBody(ctx, e.ID, e.Email.Body); err != nil {
			return err
		}
		meta.Email.Body = nil
		meta.HasBody = true
	}

	if err := s.writeMeta(meta); err != nil {
		if meta.HasBody {
			if blobErr := s.blobs.Delete(ctx, []string{e.ID + ".body"}); blobErr != nil {
				s.Log.Error("failed to remove body of unstored entry", blobErr, "id", e.ID)
			}
		}
		return err
	}
	return nil
}

// Get returns the entry with the given ID, including its payload.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	if validID(id) != nil {
		// An ID that Put would have rejected cannot name an entry.
		return Entry{}, ErrNoSuchEntry
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return Entry{}, err
	}

	if meta.HasBody {
		body, err := s.readBody(ctx, id)
		if err != nil {
			return Entry{}, err
		}
		meta.Email.Body = body
	}
	return meta.Entry, nil
}

// Delete removes the entry and its payload. ErrNoSuchEntry is returned
// if there is nothing to remove.
func (s *Store) Delete(ctx context.Context, id string) error {
	if validID(id) != nil {
		return ErrNoSuchEntry
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return err
	}

	// Payload first. If its removal fails the meta file stays behind
	// and the entry remains visible, the next removal attempt then
	// covers the blob again.
	if meta.HasBody {
		if err := s.blobs.Delete(ctx, []string{id + ".body"}); err != nil && !errors.Is(err, module.ErrNoSuchBlob) {
			return err
		}
	}
	return os.Remove(filepath.Join(s.location, id+".meta"))
}

// Take atomically reads the complete entry and removes it from the
// store. It exists for consumers that must act on the entry exactly
// once, such as bounce processing.
func (s *Store) Take(ctx context.Context, id string) (Entry, error) {
	if validID(id) != nil {
		return Entry{}, ErrNoSuchEntry
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return Entry{}, err
	}

	if meta.HasBody {
		body, err := s.readBody(ctx, id)
		if err != nil {
			return Entry{}, err
		}
		meta.Email.Body = body

		if err := s.blobs.Delete(ctx, []string{id + ".body"}); err != nil && !errors.Is(err, module.ErrNoSuchBlob) {
			return Entry{}, err
		}
	}
	if err := os.Remove(filepath.Join(s.location, id+".meta")); err != nil {
		return Entry{}, err
	}
	return meta.Entry, nil
}

// Update applies fn to the stored entry under the store lock and
// persists the result atomically. The entry passed to fn has no payload
// loaded and fn must not modify it.
func (s *Store) Update(ctx context.Context, id string, fn func(e *Entry)) error {
	if validID(id) != nil {
		return ErrNoSuchEntry
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return err
	}

	fn(&meta.Entry)
	meta.Email.Body = nil

	return s.writeMeta(*meta)
}

// MarkBroken renames the entry metadata out of the way so the entry is
// no longer visible to any other operation while the data stays around
// for inspection. Dispatch code calls it from panic handlers when an
// entry defeats the code processing it.
func (s *Store) MarkBroken(id string) {
	if validID(id) != nil {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.discardBroken(id)
}

// Select returns a copy of every entry matching pred. Payloads are not
// loaded, use Get for the complete entry.
func (s *Store) Select(ctx context.Context, pred func(e *Entry) bool) ([]Entry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	dirInfo, err := ioutil.ReadDir(s.location)
	if err != nil {
		return nil, err
	}

	var res []Entry
	for _, ent := range dirInfo {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".meta") {
			continue
		}
		id := name[:len(name)-5]

		meta, err := s.readMeta(id)
		if err != nil {
			s.Log.Printf("failed to read meta-data, skipping: %v (msg ID = %s)", err, id)
			continue
		}
		if pred(&meta.Entry) {
			res = append(res, meta.Entry)
		}
	}
	return res, nil
}

func (s *Store) readMeta(id string) (*entryMeta, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(s.location, id+".meta"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSuchEntry
		}
		return nil, err
	}
	defer file.Close()

	meta := &entryMeta{}
	if err := json.NewDecoder(file).Decode(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Store) writeMeta(meta entryMeta) error {
	metaPath := filepath.Join(s.location, meta.ID+".meta")

	var file *os.File
	var err error
	if runtime.GOOS == "windows" {
		// Windows does not allow to rename over an open file.
		file, err = os.Create(metaPath)
	} else {
		file, err = os.Create(metaPath + ".new")
	}
	if err != nil {
		return err
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(meta); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}

	if runtime.GOOS != "windows" {
		if err := os.Rename(metaPath+".new", metaPath); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeBody(ctx context.Context, id string, body *Body) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	blob, err := s.blobs.Create(ctx, id+".body", int64(len(payload)))
	if err != nil {
		return err
	}
	if _, err := blob.Write(payload); err != nil {
		blob.Close()
		return err
	}
	if err := blob.Sync(); err != nil {
		blob.Close()
		return err
	}
	return blob.Close()
}

func (s *Store) readBody(ctx context.Context, id string) (*Body, error) {
	blob, err := s.blobs.Open(ctx, id+".body")
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	payload, err := io.ReadAll(blob)
	if err != nil {
		return nil, err
	}

	body := &Body{}
	if err := json.Unmarshal(payload, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
