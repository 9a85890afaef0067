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

package settings

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/outboxd/outbox/internal/testutils"
)

func TestLoad(t *testing.T) {
	tbl := testutils.Table{
		"smtp_relay":         "1",
		"smtp_host":          "relay.example.org",
		"smtp_port":          "2525",
		"smtp_ssl":           "true",
		"smtp_username":      "outbox",
		"smtp_password":      "hunter2",
		"smtp_no_mx_lookups": "0",
		"smtp_verp_as_from":  "1",
		"smtp_bcc":           "archive@example.org",
		"email_override":     "ops@example.org",
		"smtp_spamd_ip":      "127.0.0.1",
		"smtp_spamd_port":    "783",
		"smtp_bounce_domain": "bounce.example.org",
	}

	s, err := Load(context.Background(), tbl)
	if err != nil {
		t.Fatal(err)
	}

	want := Snapshot{
		Relay:        true,
		Host:         "relay.example.org",
		Port:         "2525",
		SSL:          true,
		Username:     "outbox",
		Password:     "hunter2",
		NoMXLookups:  false,
		VERPAsFrom:   true,
		BCC:          "archive@example.org",
		Override:     "ops@example.org",
		SpamdIP:      "127.0.0.1",
		SpamdPort:    "783",
		BounceDomain: "bounce.example.org",
	}
	if !reflect.DeepEqual(s, want) {
		t.Errorf("wrong snapshot:\ngot  %+v\nwant %+v", s, want)
	}
}

func TestLoadMissingKeys(t *testing.T) {
	s, err := Load(context.Background(), testutils.Table{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s, Snapshot{}) {
		t.Errorf("wrong snapshot for empty table: %+v", s)
	}
}

func TestLoadBadBool(t *testing.T) {
	_, err := Load(context.Background(), testutils.Table{
		"smtp_relay": "yes please",
	})
	if err == nil {
		t.Error("expected an error for a malformed boolean")
	}
}

type failTable struct {
	err error
}

func (f failTable) Lookup(_ context.Context, _ string) (string, bool, error) {
	return "", false, f.err
}

func TestLoadLookupError(t *testing.T) {
	lookupErr := errors.New("the database ran away")
	_, err := Load(context.Background(), failTable{err: lookupErr})
	if !errors.Is(err, lookupErr) {
		t.Errorf("expected the lookup error to be wrapped, got %v", err)
	}
}

func TestSnapshotAuth(t *testing.T) {
	check := func(user, pass string, want bool) {
		t.Helper()
		s := Snapshot{Username: user, Password: pass}
		if s.Auth() != want {
			t.Errorf("Auth() with username=%q password=%q: got %v, want %v",
				user, pass, s.Auth(), want)
		}
	}

	check("outbox", "hunter2", true)
	check("outbox", "", false)
	check("", "hunter2", false)
	check("", "", false)
}

func TestSnapshotAddrs(t *testing.T) {
	s := Snapshot{Host: "relay.example.org", Port: "2525"}
	if addr := s.RelayAddr(); addr != "relay.example.org:2525" {
		t.Errorf("RelayAddr: %q", addr)
	}
	s.Port = ""
	if addr := s.RelayAddr(); addr != "relay.example.org:25" {
		t.Errorf("RelayAddr with default port: %q", addr)
	}

	s = Snapshot{SpamdIP: "127.0.0.1", SpamdPort: "783"}
	if addr := s.SpamdAddr(); addr != "127.0.0.1:783" {
		t.Errorf("SpamdAddr: %q", addr)
	}
	s.SpamdPort = ""
	if addr := s.SpamdAddr(); addr != "" {
		t.Errorf("SpamdAddr without port: %q", addr)
	}
}
