// Package commandchannel implements the single bidirectional,
// authenticated, heartbeat-monitored channel to the external editor:
// outbound commands carry a correlation id and await an inbound
// acknowledgment; the channel never queues durably, so a command emitted
// while no connection is authenticated is held as pending and re-emitted
// on the next successful authentication.
//
// Concurrency model follows the teacher's SSE broker: one goroutine owns
// all manager state (the current connection, the pending-command set)
// and every public method talks to it over a channel. Each accepted
// connection gets its own pair of read/write goroutines, same shape as
// the teacher's per-client channel in that broker, generalized from
// fan-out broadcast to a single request/correlation-addressed peer.
package commandchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/starford/kenaz/internal/pkmtypes"
)

// ConnState is a connection's authentication state.
type ConnState int

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultGraceWindow       = 10 * time.Second
)

// frame is the minimal envelope every message carries; once Type is
// known the line is re-decoded into the concrete shape it needs.
type frame struct {
	Type string `json:"type"`
}

// AckHandler is invoked for every inbound acknowledgment, on the
// connection's own read goroutine; callers should not block it for long.
type AckHandler func(ack pkmtypes.Ack)

// Manager owns the single authenticated connection to the editor, if
// any, and the set of outbound commands awaiting acknowledgment.
type Manager struct {
	logger            *slog.Logger
	token             string
	heartbeatInterval time.Duration
	graceWindow       time.Duration
	onAck             AckHandler

	eventCh chan managerEvent
	stopCh  chan struct{}
	done    chan struct{}
}

type eventKind int

const (
	evConnAuthenticated eventKind = iota
	evConnClosed
	evEnqueue
	evResolved
)

type managerEvent struct {
	kind   eventKind
	conn   *connHandle
	cmd    pkmtypes.Command
	corrID string
	reply  chan error
}

// connHandle is what the manager's loop holds for the live connection.
type connHandle struct {
	sendCh chan []byte
	closed chan struct{}
}

// New constructs a channel manager. onAck is called for every inbound
// acknowledgment; it is the caller's job to dispatch it to the right
// per-graph transaction coordinator by correlation id.
func New(token string, logger *slog.Logger, onAck AckHandler) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:            logger,
		token:             token,
		heartbeatInterval: defaultHeartbeatInterval,
		graceWindow:       defaultGraceWindow,
		onAck:             onAck,
		eventCh:           make(chan managerEvent),
		stopCh:            make(chan struct{}),
		done:              make(chan struct{}),
	}
	go m.run()
	return m
}

// Close stops the manager's owning goroutine and drops the live
// connection, if any.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	close(m.stopCh)
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)

	var active *connHandle
	pending := make(map[string]pkmtypes.Command) // correlation id -> command awaiting ack

	for {
		select {
		case <-m.stopCh:
			if active != nil {
				close(active.sendCh)
			}
			return

		case ev := <-m.eventCh:
			switch ev.kind {
			case evConnAuthenticated:
				if active != nil {
					close(active.sendCh)
				}
				active = ev.conn
				m.logger.Info("command channel authenticated")
				for _, cmd := range pending {
					m.trySend(active, cmd)
				}

			case evConnClosed:
				if active == ev.conn {
					active = nil
					m.logger.Info("command channel connection closed")
				}

			case evEnqueue:
				pending[ev.cmd.CorrelationID] = ev.cmd
				var err error
				if active == nil {
					err = fmt.Errorf("no authenticated connection; command %s held pending", ev.cmd.CorrelationID)
				} else {
					m.trySend(active, ev.cmd)
				}
				ev.reply <- err

			case evResolved:
				delete(pending, ev.corrID)
			}
		}
	}
}

func (m *Manager) trySend(conn *connHandle, cmd pkmtypes.Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		m.logger.Error("failed to marshal outbound command", "error", err)
		return
	}
	select {
	case conn.sendCh <- append(data, '\n'):
	case <-conn.closed:
	default:
		m.logger.Warn("outbound command buffer full, dropping", "correlation_id", cmd.CorrelationID)
	}
}

// Enqueue emits cmd to the authenticated connection if one exists; it
// always records the command as pending so it can be re-emitted after a
// reconnect. Delivery is never durable beyond the current pending set:
// restart loses it, matching the spec's non-durable-queueing rule.
func (m *Manager) Enqueue(cmd pkmtypes.Command) error {
	reply := make(chan error, 1)
	select {
	case m.eventCh <- managerEvent{kind: evEnqueue, cmd: cmd, reply: reply}:
	case <-m.done:
		return fmt.Errorf("command channel closed")
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return fmt.Errorf("command channel closed")
	}
}

// Serve accepts connections on l until ctx is done or l is closed.
// Only one connection may be Authenticated at a time; a newly
// authenticated connection displaces any previous one.
func (m *Manager) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go m.handleConn(ctx, nc)
	}
}

func (m *Manager) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	state := StateUnauthenticated
	handle := &connHandle{sendCh: make(chan []byte, 64), closed: make(chan struct{})}

	writerDone := make(chan struct{})
	go m.writeLoop(nc, handle, writerDone)

	lastHeartbeat := time.Now()
	heartbeatTicker := time.NewTicker(m.heartbeatInterval)
	defer heartbeatTicker.Stop()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-handle.closed:
				return
			}
		}
	}()

	defer func() {
		close(handle.closed)
		<-writerDone
		if state == StateAuthenticated {
			m.notify(managerEvent{kind: evConnClosed, conn: handle})
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			m.sendRaw(handle, pkmtypes.Ack{Type: "heartbeat"})
		case line, ok := <-lines:
			if !ok {
				return
			}
			lastHeartbeat = time.Now()
			if m.handleLine(handle, &state, line) {
				return
			}
		}
		if time.Since(lastHeartbeat) > m.heartbeatInterval+m.graceWindow {
			m.logger.Warn("command channel heartbeat grace window elapsed, closing")
			return
		}
	}
}

// handleLine processes one inbound frame, mutating *state in place, and
// reports whether the connection should be closed.
func (m *Manager) handleLine(handle *connHandle, state *ConnState, line []byte) bool {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		m.logger.Warn("command channel: malformed frame", "error", err)
		return true
	}

	switch f.Type {
	case "auth":
		var payload struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(line, &payload); err != nil || payload.Token != m.token {
			m.logger.Warn("command channel: auth rejected")
			return true
		}
		*state = StateAuthenticated
		m.sendRaw(handle, map[string]string{"type": "success"})
		m.notify(managerEvent{kind: evConnAuthenticated, conn: handle})
		return false

	case "heartbeat":
		return false

	default:
		if *state != StateAuthenticated {
			m.logger.Warn("command channel: unauthenticated connection sent disallowed frame", "type", f.Type)
			return true
		}
		var ack pkmtypes.Ack
		if err := json.Unmarshal(line, &ack); err != nil {
			m.logger.Warn("command channel: malformed ack", "error", err)
			return false
		}
		// The correlation id has now resolved, successfully or not; stop
		// holding its command pending for resend on the next reconnect.
		m.notify(managerEvent{kind: evResolved, corrID: ack.CorrelationID})
		if m.onAck != nil {
			m.onAck(ack)
		}
		return false
	}
}

func (m *Manager) sendRaw(handle *connHandle, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case handle.sendCh <- append(data, '\n'):
	case <-handle.closed:
	default:
	}
}

func (m *Manager) notify(ev managerEvent) {
	select {
	case m.eventCh <- ev:
	case <-m.done:
	}
}

func (m *Manager) writeLoop(nc net.Conn, handle *connHandle, done chan struct{}) {
	defer close(done)
	w := bufio.NewWriter(nc)
	for {
		select {
		case data, ok := <-handle.sendCh:
			if !ok {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		case <-handle.closed:
			return
		}
	}
}
