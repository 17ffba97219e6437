package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Listener holds the dedicated LISTEN connection and feeds received
// notifications to the ConnectionManager for local fan-out.
//
// All use of the pgx connection happens on the run loop goroutine; LISTEN and
// UNLISTEN requests are serialized through cmdCh, because pgx connections do
// not tolerate Exec concurrent with WaitForNotification.
type Listener struct {
	connString string
	manager    *ConnectionManager

	mu       sync.Mutex
	channels map[string]bool // channels to (re-)LISTEN on

	cmdCh  chan listenCmd
	cancel context.CancelFunc
	done   chan struct{}
}

type listenCmd struct {
	sql     string
	channel string
	listen  bool
	result  chan error
}

// NewListener creates a Listener that dispatches to the given manager.
func NewListener(connString string, manager *ConnectionManager) *Listener {
	return &Listener{
		connString: connString,
		manager:    manager,
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// Start connects and begins the receive loop.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.run(loopCtx, conn)
	}()

	slog.Info("Event listener started")
	return nil
}

// Listen starts receiving NOTIFY traffic for a channel. Idempotent.
func (l *Listener) Listen(ctx context.Context, channel string) error {
	l.mu.Lock()
	already := l.channels[channel]
	l.channels[channel] = true
	l.mu.Unlock()
	if already {
		return nil
	}
	return l.send(ctx, listenCmd{
		sql:     "LISTEN " + pgx.Identifier{channel}.Sanitize(),
		channel: channel,
		listen:  true,
		result:  make(chan error, 1),
	})
}

// Unlisten stops receiving NOTIFY traffic for a channel. Idempotent.
func (l *Listener) Unlisten(ctx context.Context, channel string) error {
	l.mu.Lock()
	if !l.channels[channel] {
		l.mu.Unlock()
		return nil
	}
	delete(l.channels, channel)
	l.mu.Unlock()
	return l.send(ctx, listenCmd{
		sql:     "UNLISTEN " + pgx.Identifier{channel}.Sanitize(),
		channel: channel,
		result:  make(chan error, 1),
	})
}

// Stop signals the run loop to exit and waits for it.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
}

func (l *Listener) send(ctx context.Context, cmd listenCmd) error {
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		if err != nil {
			// Roll the bookkeeping back so a retry re-issues the command.
			l.mu.Lock()
			if cmd.listen {
				delete(l.channels, cmd.channel)
			} else {
				l.channels[cmd.channel] = true
			}
			l.mu.Unlock()
			return fmt.Errorf("%s failed: %w", cmd.sql, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run owns the pgx connection: it drains pending commands, waits briefly for
// a notification, and reconnects with backoff when the connection drops.
func (l *Listener) run(ctx context.Context, conn *pgx.Conn) {
	defer func() {
		if conn != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Close(closeCtx)
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if conn == nil {
			conn = l.reconnect(ctx)
			if conn == nil {
				return // context cancelled
			}
		}

		// Drain pending LISTEN/UNLISTEN commands first.
		drained := false
		for !drained {
			select {
			case cmd := <-l.cmdCh:
				_, err := conn.Exec(ctx, cmd.sql)
				cmd.result <- err
			default:
				drained = true
			}
		}

		// Short wait so the loop returns to the command drain regularly.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue // timeout, loop back for commands
			}
			slog.Error("NOTIFY receive error", "error", err)
			closeCtx, cancelClose := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Close(closeCtx)
			cancelClose()
			conn = nil
			continue
		}

		l.manager.Broadcast(notification.Channel, []byte(notification.Payload))
	}
}

// reconnect re-establishes the connection with exponential backoff and
// re-issues LISTEN for every tracked channel. Returns nil when ctx ends.
func (l *Listener) reconnect(ctx context.Context) *pgx.Conn {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.mu.Lock()
		channels := make([]string, 0, len(l.channels))
		for ch := range l.channels {
			channels = append(channels, ch)
		}
		l.mu.Unlock()
		for _, ch := range channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				slog.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}

		slog.Info("Event listener reconnected")
		return conn
	}
}
