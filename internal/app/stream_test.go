package app

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cascade/api/internal/notify"
)

func newStreamTestServer(t *testing.T, keepalive time.Duration) (*httptest.Server, *notify.Broadcaster) {
	t.Helper()
	svc := newTestService(&fakeStore{})
	svc.cfg.KeepaliveEvery = keepalive
	svc.broadcaster = notify.NewBroadcaster()
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, svc.broadcaster
}

func openStream(t *testing.T, ctx context.Context, url string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/api/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func waitForSubscribers(t *testing.T, b *notify.Broadcaster, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d (have %d)", want, b.SubscriberCount())
}

// readFrame collects lines until the blank frame terminator.
func readFrame(t *testing.T, reader *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(lines) > 0 {
				return lines
			}
			continue
		}
		lines = append(lines, line)
	}
}

func TestEventStreamDeliversChangeEvents(t *testing.T) {
	server, broadcaster := newStreamTestServer(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, reader := openStream(t, ctx, server.URL)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	waitForSubscribers(t, broadcaster, 1)

	broadcaster.Notify(notify.ChangeEvent{
		Table:  "tasks",
		Action: notify.ActionUpdate,
		ID:     json.RawMessage(`"tsk-1"`),
		Data:   json.RawMessage(`{"id":"tsk-1","status":"done"}`),
	})

	frame := readFrame(t, reader)
	if len(frame) != 1 || !strings.HasPrefix(frame[0], "data: ") {
		t.Fatalf("unexpected frame: %v", frame)
	}

	var event notify.ChangeEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frame[0], "data: ")), &event); err != nil {
		t.Fatalf("parse event payload: %v", err)
	}
	if event.Table != "tasks" || event.Action != notify.ActionUpdate || string(event.ID) != `"tsk-1"` {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestEventStreamBroadcastsToAllClients(t *testing.T) {
	server, broadcaster := newStreamTestServer(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, first := openStream(t, ctx, server.URL)
	_, second := openStream(t, ctx, server.URL)
	waitForSubscribers(t, broadcaster, 2)

	broadcaster.Notify(notify.ChangeEvent{Table: "chains", Action: notify.ActionInsert, ID: json.RawMessage(`"chn-1"`)})

	for _, reader := range []*bufio.Reader{first, second} {
		frame := readFrame(t, reader)
		if len(frame) != 1 || !strings.Contains(frame[0], `"chains"`) {
			t.Fatalf("unexpected frame: %v", frame)
		}
	}
}

func TestEventStreamErrorFrame(t *testing.T) {
	server, broadcaster := newStreamTestServer(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, reader := openStream(t, ctx, server.URL)
	waitForSubscribers(t, broadcaster, 1)

	broadcaster.NotifyError("change listener disconnected")

	frame := readFrame(t, reader)
	if len(frame) != 2 {
		t.Fatalf("expected event+data lines, got %v", frame)
	}
	if frame[0] != "event: error" {
		t.Fatalf("expected error event line, got %q", frame[0])
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frame[1], "data: ")), &payload); err != nil {
		t.Fatalf("parse error payload: %v", err)
	}
	if payload["message"] != "change listener disconnected" {
		t.Fatalf("unexpected message: %q", payload["message"])
	}
}

func TestEventStreamSendsKeepalives(t *testing.T) {
	server, broadcaster := newStreamTestServer(t, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, reader := openStream(t, ctx, server.URL)
	waitForSubscribers(t, broadcaster, 1)

	frame := readFrame(t, reader)
	if len(frame) != 1 || frame[0] != ": keep-alive" {
		t.Fatalf("expected keep-alive comment, got %v", frame)
	}
}

func TestEventStreamUnsubscribesOnDisconnect(t *testing.T) {
	server, broadcaster := newStreamTestServer(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	_, _ = openStream(t, ctx, server.URL)
	waitForSubscribers(t, broadcaster, 1)

	cancel()
	waitForSubscribers(t, broadcaster, 0)
}
