package notify

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// waitConn is the slice of a native Postgres connection the listener needs.
// *pgx.Conn satisfies it; tests substitute a fake.
type waitConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type connectFunc func(ctx context.Context) (waitConn, error)

const (
	stateDisconnected = iota
	stateConnecting
	stateListening
)

// Listener owns the single LISTEN subscription shared by all clients. It is an
// explicit object with a Start/Stop/Ready lifecycle, injected into whatever
// needs it rather than living as package state.
//
// State machine: Disconnected -> Connecting -> Listening -> (error) ->
// Disconnected, with a fixed-backoff reconnect. Start calls while Connecting
// or Listening coalesce into the in-flight attempt, and reconnect scheduling
// is guarded by a single in-flight flag so the process never holds two
// upstream subscriptions.
type Listener struct {
	connect connectFunc
	backoff time.Duration
	sinks   []Notifier
	errSink func(message string)

	mu                 sync.Mutex
	state              int
	stopped            bool
	reconnectScheduled bool
	cancel             context.CancelFunc

	// lastPayload is touched only by the run goroutine.
	lastPayload []byte
}

// NewListener builds a listener that dials databaseURL and subscribes to the
// given channel. Sinks receive every normalized event in registration order.
func NewListener(databaseURL, channel string, backoff time.Duration, sinks ...Notifier) *Listener {
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	l := &Listener{backoff: backoff, sinks: sinks}
	l.connect = func(ctx context.Context) (waitConn, error) {
		conn, err := pgx.Connect(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect for listen: %w", err)
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
		return conn, nil
	}
	return l
}

// OnError registers the callback raised on every transition into Disconnected.
// The broadcaster's NotifyError is the usual target, so connected clients hear
// about the outage without being torn down.
func (l *Listener) OnError(fn func(message string)) {
	l.errSink = fn
}

// Start begins a connection attempt unless one is already in flight or the
// listener is stopped. Safe to call from multiple goroutines.
func (l *Listener) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.state != stateDisconnected {
		return
	}
	l.state = stateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

// Stop tears down the upstream subscription and disables reconnection.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	l.state = stateDisconnected
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// Ready reports whether the upstream subscription is live.
func (l *Listener) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateListening
}

func (l *Listener) run(ctx context.Context) {
	conn, err := l.connect(ctx)
	if err != nil {
		l.dropped(fmt.Sprintf("change listener connect failed: %v", err))
		return
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		_ = conn.Close(context.Background())
		return
	}
	l.state = stateListening
	l.mu.Unlock()
	log.Printf("change listener connected")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			_ = conn.Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			l.dropped(fmt.Sprintf("change listener lost connection: %v", err))
			return
		}
		l.handlePayload([]byte(notification.Payload))
	}
}

// dropped moves the listener to Disconnected, raises the error signal and
// schedules one reconnect attempt after the backoff.
func (l *Listener) dropped(reason string) {
	l.mu.Lock()
	l.state = stateDisconnected
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	stopped := l.stopped
	schedule := !stopped && !l.reconnectScheduled
	if schedule {
		l.reconnectScheduled = true
	}
	l.mu.Unlock()

	log.Printf("%s", reason)
	if l.errSink != nil {
		l.errSink(reason)
	}
	if !schedule {
		return
	}
	time.AfterFunc(l.backoff, func() {
		l.mu.Lock()
		l.reconnectScheduled = false
		l.mu.Unlock()
		l.Start()
	})
}

// handlePayload discards a payload byte-identical to the immediately preceding
// one (duplicate store-level delivery), then normalizes and dispatches it.
func (l *Listener) handlePayload(payload []byte) {
	if len(l.lastPayload) > 0 && bytes.Equal(payload, l.lastPayload) {
		return
	}
	l.lastPayload = append(l.lastPayload[:0], payload...)

	event, err := ParseChangeEvent(payload)
	if err != nil {
		log.Printf("change listener: dropping malformed payload: %v", err)
		return
	}
	for _, sink := range l.sinks {
		sink.Notify(event)
	}
}
