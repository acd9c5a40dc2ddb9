// Package wire defines the line-oriented client/server protocol: command
// names, response formatting, and message-line formatting shared by the
// room and connection packages.
package wire

import (
	"fmt"
	"strings"
)

// Client-to-server commands.
const (
	CmdLogin        = "LOGIN"
	CmdRegister     = "REGISTER"
	CmdReconnect    = "RECONNECT"
	CmdListRooms    = "LIST_ROOMS"
	CmdJoinRoom     = "JOIN_ROOM"
	CmdCreateRoom   = "CREATE_ROOM"
	CmdCreateAIRoom = "CREATE_AI_ROOM"
	CmdMessage      = "MESSAGE"
	CmdLeaveRoom    = "LEAVE_ROOM"
	CmdLogout       = "LOGOUT"
	CmdHeartbeat    = "HEARTBEAT"
	CmdHeartbeatAck = "HEARTBEAT_ACK"
)

// Server-to-client response verbs.
const (
	RespAuthRequired        = "AUTH_REQUIRED"
	RespAuthSuccess         = "AUTH_SUCCESS"
	RespAuthFailed          = "AUTH_FAILED"
	RespRegisterSuccess     = "REGISTER_SUCCESS"
	RespRegisterFailed      = "REGISTER_FAILED"
	RespReconnectSuccess    = "RECONNECT_SUCCESS"
	RespSessionExpired      = "SESSION_EXPIRED"
	RespRoomList            = "ROOM_LIST"
	RespJoinedRoom          = "JOINED_ROOM"
	RespLeftRoom            = "LEFT_ROOM"
	RespRoomCreated         = "ROOM_CREATED"
	RespAIRoomCreated       = "AI_ROOM_CREATED"
	RespRoomMessage         = "ROOM_MESSAGE"
	RespError               = "ERROR"
	RespLoggedOut           = "LOGGED_OUT"
	RespHeartbeat           = "HEARTBEAT"
	RespHeartbeatAck        = "HEARTBEAT_ACK"
	RespInvalidFormat       = "INVALID_FORMAT"
	RespInvalidFormatAIRoom = "INVALID_FORMAT_AI_ROOM"
	RespUnknownCommand      = "UNKNOWN_COMMAND"
)

// Line builds a response line terminated by the caller's own newline write;
// it never appends the newline itself so callers can batch writes.
func Line(verb string, args ...string) string {
	if len(args) == 0 {
		return verb
	}
	return verb + " " + strings.Join(args, " ")
}

// Error formats an ERROR response with a free-form reason.
func Error(reason string) string {
	return Line(RespError, reason)
}

// UserMessage formats a user chat line per spec: "<username>: <text>".
func UserMessage(username, text string) string {
	return fmt.Sprintf("%s: %s", username, text)
}

// BotMessage formats an AI participant's reply: "Bot: <text>" (multiline
// payloads keep their embedded newlines).
func BotMessage(text string) string {
	return "Bot: " + text
}

// SystemMessage formats a system notice: "[<text>]".
func SystemMessage(text string) string {
	return "[" + text + "]"
}

// IsBotLine reports whether a formatted history line is a bot message.
func IsBotLine(line string) bool {
	return strings.HasPrefix(line, "Bot: ")
}

// IsSystemLine reports whether a formatted history line is a system message.
func IsSystemLine(line string) bool {
	return strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]")
}

// SplitUserMessage splits a "<username>: <text>" line into its parts. The
// second return value is false if the line does not match the shape.
func SplitUserMessage(line string) (username, text string, ok bool) {
	idx := strings.Index(line, ": ")
	if idx <= 0 {
		return "", "", false
	}
	name := line[:idx]
	if strings.ContainsAny(name, " []") {
		return "", "", false
	}
	return name, line[idx+2:], true
}
