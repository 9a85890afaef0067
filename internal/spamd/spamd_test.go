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

package spamd

import (
	"bufio"
	"context"
	"io"
	"net"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"
)

// spamdServer runs a one-shot fake daemon that captures the full client
// request and then replies with resp.
func spamdServer(t *testing.T, resp string) (addr string, request <-chan string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	reqCh := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		var req strings.Builder
		contentLen := 0
		for {
			line, err := r.ReadString('\n')
			req.WriteString(line)
			if err != nil {
				reqCh <- req.String()
				return
			}
			if rest := strings.TrimPrefix(line, "Content-length: "); rest != line {
				contentLen, _ = strconv.Atoi(strings.TrimSpace(rest))
			}
			if line == "\r\n" {
				break
			}
		}
		body := make([]byte, contentLen)
		if _, err := io.ReadFull(r, body); err != nil {
			reqCh <- req.String()
			return
		}
		req.Write(body)
		reqCh <- req.String()

		io.WriteString(conn, resp)
	}()

	return l.Addr().String(), reqCh
}

func readRequest(t *testing.T, request <-chan string) string {
	t.Helper()
	select {
	case req := <-request:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the request")
		return ""
	}
}

func TestCheck(t *testing.T) {
	addr, request := spamdServer(t,
		"SPAMD/1.1 0 EX_OK\r\n"+
			"Spam: True ; 7.5 / 5.0\r\n"+
			"Content-length: 64\r\n"+
			"\r\n"+
			"X-Spam-Status: Yes, score=7.5 required=5.0 tests=RCVD_IN_XBL,\r\n"+
			"\tHTML_ONLY autolearn=no\r\n")

	msg := []byte("Subject: test\r\n\r\nbody")
	v, err := Check(context.Background(), addr, msg)
	if err != nil {
		t.Fatal(err)
	}

	wantReq := "HEADERS SPAMC/1.2\r\n" +
		"Content-length: " + strconv.Itoa(len(msg)+2) + "\r\n" +
		"User: spamd\r\n" +
		"\r\n" +
		string(msg) + "\r\n"
	if req := readRequest(t, request); req != wantReq {
		t.Errorf("wrong request:\ngot  %q\nwant %q", req, wantReq)
	}

	if v.IsSpam != StatusYes {
		t.Errorf("IsSpam: got %v, want %v", v.IsSpam, StatusYes)
	}
	wantTags := map[string]string{
		"score":     "7.5",
		"required":  "5.0",
		"tests":     "RCVD_IN_XBL,HTML_ONLY",
		"autolearn": "no",
	}
	if !reflect.DeepEqual(v.Tags, wantTags) {
		t.Errorf("wrong tags:\ngot  %v\nwant %v", v.Tags, wantTags)
	}
}

func TestCheckNotSpam(t *testing.T) {
	// No banner this time, parse should cope either way.
	addr, _ := spamdServer(t, "X-Spam-Status: No, score=0.1 required=5.0\r\n")

	v, err := Check(context.Background(), addr, []byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	if v.IsSpam != StatusNo {
		t.Errorf("IsSpam: got %v, want %v", v.IsSpam, StatusNo)
	}
	if v.Tags["score"] != "0.1" {
		t.Errorf("wrong tags: %v", v.Tags)
	}
}

func TestCheckUnknownVerdict(t *testing.T) {
	addr, _ := spamdServer(t, "SPAMD/1.1 0 EX_OK\r\nX-Spam-Status: Perhaps?\r\n")

	v, err := Check(context.Background(), addr, []byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	if v.IsSpam != StatusUnknown {
		t.Errorf("IsSpam: got %v, want %v", v.IsSpam, StatusUnknown)
	}
	if v.Tags != nil {
		t.Errorf("expected no tags, got %v", v.Tags)
	}
}

func TestCheckNoStatusHeader(t *testing.T) {
	addr, _ := spamdServer(t, "SPAMD/1.1 0 EX_OK\r\nSpam: False ; 0.0 / 5.0\r\n")

	v, err := Check(context.Background(), addr, []byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	if v.IsSpam != StatusUnknown {
		t.Errorf("IsSpam: got %v, want %v", v.IsSpam, StatusUnknown)
	}
}

func TestCheckPartialResponse(t *testing.T) {
	oldTimeout := Timeout
	Timeout = 500 * time.Millisecond
	defer func() { Timeout = oldTimeout }()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	release := make(chan struct{})
	defer close(release)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		conn.Read(buf)
		io.WriteString(conn, "SPAMD/1.1 0 EX_OK\r\nX-Spam-Status: No, score=1.0\r\n")
		// Keep the connection open past the client deadline.
		<-release
	}()

	v, err := Check(context.Background(), l.Addr().String(), []byte("test"))
	if err != nil {
		t.Fatal("partial response should not be an error:", err)
	}
	if v.IsSpam != StatusNo {
		t.Errorf("IsSpam: got %v, want %v", v.IsSpam, StatusNo)
	}
}

func TestCheckConnectionError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	if _, err := Check(context.Background(), addr, []byte("test")); err == nil {
		t.Error("expected a connection error")
	}
}

func TestParseHeaders(t *testing.T) {
	hdrs := parseHeaders("A: first\r\n second\nB: x\rC: y\r\nnot a header\r\n")

	want := map[string]string{
		"a": "first second",
		"b": "x",
		"c": "y",
	}
	if !reflect.DeepEqual(hdrs, want) {
		t.Errorf("wrong headers:\ngot  %v\nwant %v", hdrs, want)
	}
}
