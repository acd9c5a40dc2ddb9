package connhandler

import (
	"strings"

	"github.com/lanternchat/lantern/internal/wire"
)

// dispatchPreAuth handles LOGIN, REGISTER, RECONNECT, and the tolerated
// pre-auth HEARTBEAT_ACK (spec section 4.7's "entry to PreAuth" note).
// Anything else is an UNKNOWN_COMMAND; the handler stays in PreAuth until
// the transport closes.
func (h *Handler) dispatchPreAuth(verb, rest string) {
	switch verb {
	case wire.CmdLogin:
		h.handleLogin(rest)
	case wire.CmdRegister:
		h.handleRegister(rest)
	case wire.CmdReconnect:
		h.handleReconnect(rest)
	case wire.CmdHeartbeat:
		h.writeLine(wire.RespHeartbeatAck)
	case wire.CmdHeartbeatAck:
		// Tolerated and ignored: a client-race accommodation, not a
		// protocol feature (spec section 9).
	default:
		h.writeLine(wire.RespUnknownCommand)
	}
}

func (h *Handler) handleLogin(rest string) {
	user, pass, ok := splitTwo(rest)
	if !ok {
		h.writeLine(wire.RespInvalidFormat)
		return
	}

	if _, ok := h.deps.Users.Authenticate(user, pass); !ok {
		h.writeLine(wire.RespAuthFailed)
		return
	}

	sess, err := h.deps.Sessions.Create(user, h.deps.SessionTTL)
	if err != nil {
		h.writeLine(wire.RespAuthFailed)
		return
	}

	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()
	h.setState(stateAuthenticated)
	h.writeLine(wire.Line(wire.RespAuthSuccess, user, sess.Token))
}

func (h *Handler) handleRegister(rest string) {
	user, pass, ok := splitTwo(rest)
	if !ok {
		h.writeLine(wire.RespInvalidFormat)
		return
	}

	created, err := h.deps.Users.Register(user, pass)
	if err != nil || !created {
		h.writeLine(wire.Line(wire.RespRegisterFailed, "username taken"))
		return
	}
	h.writeLine(wire.RespRegisterSuccess)
}

func (h *Handler) handleReconnect(rest string) {
	token, roomName, ok := splitTwo(rest)
	if !ok {
		h.writeLine(wire.RespInvalidFormat)
		return
	}

	sess, ok := h.deps.Sessions.Get(token)
	if !ok {
		h.writeLine(wire.RespSessionExpired)
		return
	}

	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()

	if roomName == "" {
		if remembered, has := sess.CurrentRoom(); has {
			roomName = remembered
		}
	}

	if roomName == "" {
		h.setState(stateAuthenticated)
		h.writeLine(wire.Line(wire.RespReconnectSuccess, sess.Username))
		return
	}

	r, ok := h.deps.Rooms.Get(roomName)
	if !ok {
		// Reconnect room race (spec section 9): the named room is gone.
		sess.ClearCurrentRoom()
		h.setState(stateAuthenticated)
		h.writeLine(wire.Line(wire.RespReconnectSuccess, sess.Username))
		return
	}

	h.setState(stateInRoom)
	h.writeLine(wire.Line(wire.RespReconnectSuccess, sess.Username, r.Name))
	h.joinRoomQueue(r)
	// The notice goes through this subscriber's own queue, so it follows the
	// history snapshot and reaches only the reconnecting client.
	h.mu.Lock()
	q := h.roomQueue
	h.mu.Unlock()
	q.Enqueue(wire.SystemMessage("System: Reconnected to room " + r.Name))
}

// dispatchLobbyOrRoom handles the commands available once authenticated,
// in the lobby (Authenticated) or while subscribed to a room (InRoom).
func (h *Handler) dispatchLobbyOrRoom(verb, rest string) {
	switch verb {
	case wire.CmdListRooms:
		h.handleListRooms()
	case wire.CmdJoinRoom:
		h.handleJoinRoom(rest)
	case wire.CmdCreateRoom:
		h.handleCreateRoom(rest)
	case wire.CmdCreateAIRoom:
		h.handleCreateAIRoom(rest)
	case wire.CmdMessage:
		h.handleMessage(rest)
	case wire.CmdLeaveRoom:
		h.handleLeaveRoom()
	case wire.CmdLogout:
		h.handleLogout()
	case wire.CmdHeartbeat:
		h.writeLine(wire.RespHeartbeatAck)
	case wire.CmdHeartbeatAck:
		// No reply expected; liveness only.
	default:
		h.writeLine(wire.RespUnknownCommand)
	}
}

func (h *Handler) handleListRooms() {
	names := h.deps.Rooms.Names()
	h.writeLine(wire.Line(wire.RespRoomList, strings.Join(names, ",")))
}

func (h *Handler) handleJoinRoom(name string) {
	if name == "" {
		h.writeLine(wire.RespInvalidFormat)
		return
	}
	r, ok := h.deps.Rooms.Get(name)
	if !ok {
		h.writeLine(wire.Error("Room does not exist"))
		return
	}
	h.leaveCurrentRoomLocked()
	h.joinRoomQueue(r)
	h.setState(stateInRoom)
	h.writeLine(wire.Line(wire.RespJoinedRoom, r.Name))
	r.SystemMessage(h.sess.Username + " enters the room")
}

func (h *Handler) handleCreateRoom(name string) {
	if name == "" {
		h.writeLine(wire.RespInvalidFormat)
		return
	}
	r, err := h.deps.Rooms.CreateRoom(name)
	if err != nil {
		h.writeLine(wire.Error("Room already exists"))
		return
	}
	h.writeLine(wire.Line(wire.RespRoomCreated, name))
	h.leaveCurrentRoomLocked()
	h.joinRoomQueue(r)
	h.setState(stateInRoom)
	h.writeLine(wire.Line(wire.RespJoinedRoom, r.Name))
	r.SystemMessage(h.sess.Username + " enters the room")
}

func (h *Handler) handleCreateAIRoom(rest string) {
	name, prompt, ok := splitOnPipe(rest)
	if !ok {
		h.writeLine(wire.RespInvalidFormatAIRoom)
		return
	}
	r, err := h.deps.Rooms.CreateAIRoom(name, prompt)
	if err != nil {
		h.writeLine(wire.Error("Room already exists"))
		return
	}
	h.writeLine(wire.Line(wire.RespAIRoomCreated, name))
	h.leaveCurrentRoomLocked()
	h.joinRoomQueue(r)
	h.setState(stateInRoom)
	h.writeLine(wire.Line(wire.RespJoinedRoom, r.Name))
	r.SystemMessage(h.sess.Username + " enters the room")
}

func (h *Handler) handleMessage(text string) {
	h.mu.Lock()
	r := h.currentRoom
	h.mu.Unlock()

	if r == nil {
		h.writeLine(wire.Error("Not in a room"))
		return
	}
	if text == "" {
		h.writeLine(wire.RespInvalidFormat)
		return
	}

	r.UserMessage(h.sess.Username, text)
	h.triggerAI(r)
}

func (h *Handler) handleLeaveRoom() {
	h.mu.Lock()
	r := h.currentRoom
	h.mu.Unlock()

	if r == nil {
		h.writeLine(wire.Error("Not in a room"))
		return
	}
	h.leaveCurrentRoomLocked()
	h.sess.ClearCurrentRoom()
	h.setState(stateAuthenticated)
	h.writeLine(wire.RespLeftRoom)
}

func (h *Handler) handleLogout() {
	h.leaveCurrentRoomLocked()
	h.mu.Lock()
	h.loggedOut = true
	h.mu.Unlock()
	if h.sess != nil {
		h.deps.Sessions.Remove(h.sess.Token)
	}
	h.writeLine(wire.RespLoggedOut)
	h.setState(stateTerminated)
}

// leaveCurrentRoomLocked detaches the handler from its current room, if
// any, without emitting a departure system message (callers decide
// whether one is warranted; reconnect and disconnect paths never emit
// one, per spec section 4.4's edge case).
func (h *Handler) leaveCurrentRoomLocked() {
	h.mu.Lock()
	r := h.currentRoom
	h.currentRoom = nil
	h.roomQueue = nil
	h.mu.Unlock()

	if r != nil && h.sess != nil {
		r.RemoveUser(h.sess.Username)
	}
}

func splitTwo(s string) (a, b string, ok bool) {
	s = strings.TrimSpace(s)
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, "", s != ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:]), true
}

func splitOnPipe(s string) (name, prompt string, ok bool) {
	idx := strings.IndexByte(s, '|')
	if idx < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(s[:idx])
	prompt = strings.TrimSpace(s[idx+1:])
	return name, prompt, name != "" && prompt != ""
}
