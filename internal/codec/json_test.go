package codec

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestJSONRoundTrip(t *testing.T) {
	c := &JSON{instName: "test"}

	in := map[string]interface{}{
		"user_id": 42,
		"origin":  "signup",
		"flags":   []interface{}{"a", "b"},
	}
	blob, err := c.Pickle(in)
	if err != nil {
		t.Fatal(err)
	}

	out, err := c.Depickle(blob)
	if err != nil {
		t.Fatal(err)
	}

	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("wrong depickled type: %T", out)
	}
	if m["origin"] != "signup" {
		t.Errorf("wrong origin: %v", m["origin"])
	}
	if !reflect.DeepEqual(m["flags"], []interface{}{"a", "b"}) {
		t.Errorf("wrong flags: %v", m["flags"])
	}

	// Integers should not turn into floats.
	num, ok := m["user_id"].(json.Number)
	if !ok {
		t.Fatalf("user_id is not a number: %T", m["user_id"])
	}
	id, err := num.Int64()
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 {
		t.Errorf("wrong user_id: %v", id)
	}
}

func TestJSONDepickleGarbage(t *testing.T) {
	c := &JSON{instName: "test"}
	if _, err := c.Depickle([]byte("{truncated")); err == nil {
		t.Error("expected an error for malformed input")
	}
}
