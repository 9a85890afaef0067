package testutils

import (
	"io/ioutil"
	"os"
	"testing"
)

// Dir creates a temporary directory for the test to use as scratch space.
//
// The directory is removed when the test completes unless it failed, in
// which case the path is logged and the contents are kept for inspection.
func Dir(t *testing.T) string {
	t.Helper()

	dir, err := ioutil.TempDir("", "outbox-tests-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("test failed, preserving directory: %s", dir)
			return
		}
		os.RemoveAll(dir)
	})
	return dir
}
