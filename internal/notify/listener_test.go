package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeConn feeds scripted notifications to the listener.
type fakeConn struct {
	payloads chan string
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{payloads: make(chan string, 16), closed: make(chan struct{})}
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case payload, ok := <-c.payloads:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return &pgconn.Notification{Channel: "updates_channel", Payload: payload}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (s *captureSink) Notify(event ChangeEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *captureSink) snapshot() []ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChangeEvent(nil), s.events...)
}

func newTestListener(conn *fakeConn, sink Notifier) *Listener {
	l := &Listener{backoff: 10 * time.Millisecond, sinks: []Notifier{sink}}
	l.connect = func(context.Context) (waitConn, error) { return conn, nil }
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestListenerDeliversNormalizedEvents(t *testing.T) {
	conn := newFakeConn()
	sink := &captureSink{}
	l := newTestListener(conn, sink)
	defer l.Stop()

	l.Start()
	waitFor(t, "listener ready", l.Ready)

	conn.payloads <- `{"table":"tasks","action":"UPDATE","id":"task_1"}`
	waitFor(t, "event delivery", func() bool { return len(sink.snapshot()) == 1 })

	events := sink.snapshot()
	if events[0].Table != "tasks" || events[0].Action != ActionUpdate {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestListenerDropsConsecutiveDuplicates(t *testing.T) {
	conn := newFakeConn()
	sink := &captureSink{}
	l := newTestListener(conn, sink)
	defer l.Stop()

	l.Start()
	waitFor(t, "listener ready", l.Ready)

	payload := `{"table":"tasks","action":"UPDATE","id":"task_1"}`
	conn.payloads <- payload
	conn.payloads <- payload
	conn.payloads <- `{"table":"tasks","action":"UPDATE","id":"task_2"}`

	waitFor(t, "two distinct events", func() bool { return len(sink.snapshot()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := len(sink.snapshot()); got != 2 {
		t.Fatalf("delivered %d events, want 2 (duplicate discarded)", got)
	}
}

func TestListenerIgnoresMalformedPayloads(t *testing.T) {
	conn := newFakeConn()
	sink := &captureSink{}
	l := newTestListener(conn, sink)
	defer l.Stop()

	l.Start()
	waitFor(t, "listener ready", l.Ready)

	conn.payloads <- `not json`
	conn.payloads <- `{"table":"","action":"UPDATE"}`
	conn.payloads <- `{"table":"tasks","action":"TRUNCATE"}`
	conn.payloads <- `{"table":"tasks","action":"INSERT"}`

	waitFor(t, "good event only", func() bool { return len(sink.snapshot()) == 1 })
	if events := sink.snapshot(); events[0].Action != ActionInsert {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestListenerRaisesErrorAndReconnects(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	sink := &captureSink{}

	conns := make(chan *fakeConn, 2)
	conns <- first
	conns <- second

	l := &Listener{backoff: 10 * time.Millisecond, sinks: []Notifier{sink}}
	l.connect = func(context.Context) (waitConn, error) { return <-conns, nil }

	var errMu sync.Mutex
	var errMessages []string
	l.OnError(func(message string) {
		errMu.Lock()
		errMessages = append(errMessages, message)
		errMu.Unlock()
	})
	defer l.Stop()

	l.Start()
	waitFor(t, "first connection ready", l.Ready)

	// Kill the first connection; the listener must raise the error signal and
	// come back on the second connection after the backoff.
	close(first.payloads)
	waitFor(t, "error signal", func() bool {
		errMu.Lock()
		defer errMu.Unlock()
		return len(errMessages) > 0
	})
	waitFor(t, "reconnect", l.Ready)

	second.payloads <- `{"table":"tasks","action":"DELETE","id":"task_9"}`
	waitFor(t, "delivery after reconnect", func() bool { return len(sink.snapshot()) == 1 })
}

func TestListenerStartCoalesces(t *testing.T) {
	conn := newFakeConn()
	var connects int32
	var mu sync.Mutex

	l := &Listener{backoff: 10 * time.Millisecond}
	l.connect = func(context.Context) (waitConn, error) {
		mu.Lock()
		connects++
		mu.Unlock()
		return conn, nil
	}
	defer l.Stop()

	l.Start()
	l.Start()
	l.Start()
	waitFor(t, "listener ready", l.Ready)

	mu.Lock()
	defer mu.Unlock()
	if connects != 1 {
		t.Fatalf("connect called %d times, want 1", connects)
	}
}

func TestListenerStoppedStaysDown(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn, &captureSink{})

	l.Start()
	waitFor(t, "listener ready", l.Ready)

	l.Stop()
	waitFor(t, "listener down", func() bool { return !l.Ready() })

	l.Start()
	time.Sleep(20 * time.Millisecond)
	if l.Ready() {
		t.Fatal("stopped listener must not reconnect")
	}
}
