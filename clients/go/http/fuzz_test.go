// Fuzz tests for the SSE parser. Uses the white-box package (package http)
// to reach unexported symbols.
package http

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"

	relay "github.com/Tangent-Apps/tangent-relay/clients/go"
)

// runParseSSE runs the SSE parser on b and collects all emitted events.
// Draining the channel prevents goroutine leaks in corpus-mode runs.
func runParseSSE(b []byte) []relay.JournalEvent {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan relay.JournalEvent, 256)
	go func() {
		defer close(ch)
		br := bufio.NewReaderSize(bytes.NewReader(b), 1<<20)
		parseSSE(ctx, br, ch)
	}()
	var evs []relay.JournalEvent
	for e := range ch {
		evs = append(evs, e)
	}
	return evs
}

// FuzzParseSSE ensures the SSE parser never panics on arbitrary input and
// produces no more events than blank lines in the input (upper bound).
func FuzzParseSSE(f *testing.F) {
	f.Add([]byte("id: 1\nevent: app_launched\ndata: {\"event_id\":1,\"install_id\":\"x\"}\n\n"))
	f.Add([]byte("id: 2\nevent: purchase_completed\ndata: {\"event_id\":2}\n\n"))
	f.Add([]byte("event: session_start\ndata: first\ndata: second\n\n"))
	f.Add([]byte(":comment\ndata: hello\n\n"))
	f.Add([]byte("\n\n"))
	f.Add([]byte(""))
	f.Add([]byte("id: 9999999999\nevent: feature_used\ndata: {}\n\n"))
	f.Add([]byte(strings.Repeat("data: x\n", 1000) + "\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		evs := runParseSSE(data)
		// Upper-bound sanity: events <= number of blank lines in input.
		blankLines := bytes.Count(data, []byte("\n\n"))
		if len(evs) > blankLines+1 {
			t.Errorf("got %d events from input with %d blank lines", len(evs), blankLines)
		}
	})
}

// FuzzParseSSEEventID checks that a well-formed single event carries the id
// from the SSE id field.
func FuzzParseSSEEventID(f *testing.F) {
	f.Add(int64(1), "app_launched")
	f.Add(int64(42), "session_end")
	f.Add(int64(0), "feature_used")

	f.Fuzz(func(t *testing.T, id int64, name string) {
		if id <= 0 || strings.ContainsAny(name, "\n\r:") {
			return
		}
		raw := []byte("id: " + strconv.FormatInt(id, 10) + "\nevent: " + name + "\ndata: {}\n\n")
		evs := runParseSSE(raw)
		if len(evs) != 1 {
			t.Fatalf("got %d events, want 1", len(evs))
		}
		if evs[0].EventID != id {
			t.Errorf("EventID = %d, want %d", evs[0].EventID, id)
		}
	})
}
