package connhandler

import (
	"bufio"
	"context"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lanternchat/lantern/internal/ai"
	"github.com/lanternchat/lantern/internal/metrics"
	"github.com/lanternchat/lantern/internal/queue"
	"github.com/lanternchat/lantern/internal/room"
	"github.com/lanternchat/lantern/internal/session"
	"github.com/lanternchat/lantern/internal/userstore"
	"github.com/lanternchat/lantern/internal/wire"
)

// commandRateLimit and commandRateBurst bound how fast a single
// connection may issue commands, independent of the room fan-out
// back-pressure in internal/queue.
const (
	commandRateLimit = 20 // commands per second
	commandRateBurst = 40
)

// aiReplyTimeout bounds the total time an AI completion may run before its
// result is discarded if the room subscriber is gone (spec section 5).
const aiReplyTimeout = 25 * time.Second

// Deps bundles the shared subsystems a Handler dispatches into.
type Deps struct {
	Users             userstore.Store
	Sessions          *session.Registry
	Rooms             *room.Registry
	AI                *ai.Completer
	SessionTTL        time.Duration
	HeartbeatInterval time.Duration

	// ReadTimeout bounds how long an idle connection may go without a read
	// succeeding. Derived from the configured client heartbeat interval
	// (spec section 4.8); a value <= 0 falls back to readTimeout.
	ReadTimeout time.Duration
}

func (d Deps) readTimeoutOrDefault() time.Duration {
	if d.ReadTimeout <= 0 {
		return readTimeout
	}
	return d.ReadTimeout
}

// Handler is one accepted connection's ConnectionHandler (spec section
// 4.7). It owns the connection's read loop, heartbeat loop, and state.
type Handler struct {
	deps Deps
	conn net.Conn

	reader *bufio.Reader

	writeMu sync.Mutex
	writer  *bufio.Writer

	limiter *rate.Limiter

	mu          sync.Mutex
	state       state
	sess        *session.Session
	currentRoom *room.Room
	roomQueue   *queue.Queue

	loggedOut bool
}

// New constructs a Handler around an accepted connection.
func New(conn net.Conn, deps Deps) *Handler {
	return &Handler{
		deps:    deps,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		limiter: rate.NewLimiter(rate.Limit(commandRateLimit), commandRateBurst),
		state:   statePreAuth,
	}
}

// Run drives the connection to completion: sends AUTH_REQUIRED, starts the
// heartbeat loop, and reads commands until the transport closes or the
// handler reaches Terminated. It blocks until the connection is done.
func (h *Handler) Run() {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()
	defer h.conn.Close()

	h.writeLine(wire.RespAuthRequired)

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go h.heartbeatLoop(hbStop, hbDone)
	defer func() {
		close(hbStop)
		<-hbDone
	}()

	for {
		h.conn.SetReadDeadline(time.Now().Add(h.deps.readTimeoutOrDefault()))
		line, err := h.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			h.handleLine(line)
		}
		if err != nil {
			break
		}
		if h.getState() == stateTerminated {
			break
		}
	}

	h.cleanup()
}

func (h *Handler) getState() state {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) setState(s state) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// handleLine rate-limits, parses, and dispatches one inbound line.
func (h *Handler) handleLine(line string) {
	if !h.limiter.Allow() {
		h.writeLine(wire.Error("rate limit exceeded"))
		return
	}

	verb, rest := splitVerb(line)
	if verb == "" {
		h.writeLine(wire.RespInvalidFormat)
		return
	}

	switch h.getState() {
	case statePreAuth:
		h.dispatchPreAuth(verb, rest)
	case stateAuthenticated, stateInRoom:
		h.dispatchLobbyOrRoom(verb, rest)
	}
}

func splitVerb(line string) (verb, rest string) {
	line = strings.TrimSpace(line)
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// writeLine writes one response line terminated by \n, serialized against
// concurrent heartbeat writes. A write failure terminates the handler, per
// spec section 4.7's heartbeat-write-failure rule generalized to all
// writes.
func (h *Handler) writeLine(line string) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := h.writer.WriteString(line); err != nil {
		h.onWriteError(err)
		return
	}
	if err := h.writer.WriteByte('\n'); err != nil {
		h.onWriteError(err)
		return
	}
	if err := h.writer.Flush(); err != nil {
		h.onWriteError(err)
		return
	}
}

func (h *Handler) onWriteError(err error) {
	log.Printf("connhandler: write error, terminating: %v", err)
	h.setState(stateTerminated)
}

func (h *Handler) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := h.deps.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.writeLine(wire.RespHeartbeat)
			if h.getState() == stateTerminated {
				return
			}
		case <-stop:
			return
		}
	}
}

// deliverToConn is the queue.Deliver closure handed to Room.AddUser: it
// wraps one room history line in the ROOM_MESSAGE response verb and
// writes it to this connection.
func (h *Handler) deliverToConn(msg string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := h.writer.WriteString(wire.Line(wire.RespRoomMessage, msg)); err != nil {
		return err
	}
	if err := h.writer.WriteByte('\n'); err != nil {
		return err
	}
	return h.writer.Flush()
}

// joinRoomQueue subscribes the handler's session user to r, wiring its
// MessageQueue delivery to this connection.
func (h *Handler) joinRoomQueue(r *room.Room) {
	q := r.AddUser(h.sess.Username, h.deliverToConn)
	h.mu.Lock()
	h.currentRoom = r
	h.roomQueue = q
	h.mu.Unlock()
	h.sess.SetCurrentRoom(r.Name)
}

// triggerAI runs the AI completion pipeline for an AI room asynchronously
// and re-enters the reply into the room as a bot message. It never blocks
// the caller and discards its result if the room subscriber departed
// before it returns (spec section 5).
func (h *Handler) triggerAI(r *room.Room) {
	if !r.IsAI {
		return
	}
	user := h.sess.Username
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), aiReplyTimeout)
		defer cancel()

		history := r.HistorySnapshot(100)
		reply := h.deps.AI.Complete(ctx, r.SystemPrompt, history)
		if !r.Has(user) {
			return
		}

		if strings.TrimSpace(reply) == "" {
			r.SystemMessage("Error: Bot did not generate a valid response")
			return
		}
		r.BotMessage(reply)
	}()
}

// cleanup performs the appropriate disconnect handling: soft if the
// handler never logged out explicitly, hard if it did (spec section
// 4.7's disconnection semantics).
func (h *Handler) cleanup() {
	h.mu.Lock()
	r := h.currentRoom
	sess := h.sess
	loggedOut := h.loggedOut
	h.mu.Unlock()

	if r != nil && sess != nil {
		r.RemoveUser(sess.Username)
	}

	if loggedOut {
		if sess != nil {
			h.deps.Sessions.Remove(sess.Token)
		}
		return
	}
	// Soft cleanup: session and its remembered room survive for a later
	// RECONNECT. sess.currentRoom already names r; nothing further to do.
}
