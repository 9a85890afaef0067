package blob

import (
	"context"
	"errors"
	"io/ioutil"
	"testing"

	"github.com/outboxd/outbox/framework/module"
)

// TestStore runs the generic test suite against the provided blob store
// implementation.
func TestStore(t *testing.T, newStore func() module.BlobStore, cleanStore func(module.BlobStore)) {
	t.Helper()

	write := func(t *testing.T, store module.BlobStore, key string, blob []byte) {
		t.Helper()

		w, err := store.Create(context.Background(), key, int64(len(blob)))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(blob); err != nil {
			t.Fatal(err)
		}
		if err := w.Sync(); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
	read := func(t *testing.T, store module.BlobStore, key string) []byte {
		t.Helper()

		r, err := store.Open(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		blob, err := ioutil.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		return blob
	}

	t.Run("create and open", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "test-msg", []byte("foobar\r\n"))
		if blob := read(t, store, "test-msg"); string(blob) != "foobar\r\n" {
			t.Errorf("wrong blob contents: %q", blob)
		}
	})

	t.Run("create with unknown size", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		w, err := store.Create(context.Background(), "test-msg", module.UnknownBlobSize)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("foobar\r\n")); err != nil {
			t.Fatal(err)
		}
		if err := w.Sync(); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		if blob := read(t, store, "test-msg"); string(blob) != "foobar\r\n" {
			t.Errorf("wrong blob contents: %q", blob)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "test-msg", []byte("initial contents"))
		write(t, store, "test-msg", []byte("replaced"))
		if blob := read(t, store, "test-msg"); string(blob) != "replaced" {
			t.Errorf("wrong blob contents: %q", blob)
		}
	})

	t.Run("open non-existent", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		_, err := store.Open(context.Background(), "no-such-key")
		if !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("wrong error for missing blob: %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "test-msg", []byte("foobar\r\n"))
		if err := store.Delete(context.Background(), []string{"test-msg"}); err != nil {
			t.Fatal(err)
		}
		_, err := store.Open(context.Background(), "test-msg")
		if !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("wrong error after delete: %v", err)
		}
	})

	t.Run("delete non-existent", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		// Missing keys are not an error.
		if err := store.Delete(context.Background(), []string{"no-such-key"}); err != nil {
			t.Fatal(err)
		}
	})
}
