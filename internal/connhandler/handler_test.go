package connhandler

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lanternchat/lantern/internal/ai"
	"github.com/lanternchat/lantern/internal/room"
	"github.com/lanternchat/lantern/internal/session"
	"github.com/lanternchat/lantern/internal/userstore"
)

// fakeAIDoer always answers with a fixed reply, standing in for the
// upstream text-generation service in end-to-end handler tests.
type fakeAIDoer struct {
	reply string
}

func (f fakeAIDoer) Do(req *http.Request) (*http.Response, error) {
	body, _ := json.Marshal(map[string]string{"response": f.reply})
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
	}, nil
}

type fakeUsers struct {
	users map[string]string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]string)}
}

func (f *fakeUsers) Register(username, password string) (bool, error) {
	if _, exists := f.users[username]; exists {
		return false, nil
	}
	f.users[username] = password
	return true, nil
}

func (f *fakeUsers) Authenticate(username, password string) (userstore.User, bool) {
	stored, ok := f.users[username]
	if !ok || stored != password {
		return userstore.User{}, false
	}
	return userstore.User{Username: username}, true
}

type harness struct {
	t      *testing.T
	client net.Conn
	reader *bufio.Reader
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithTTL(t, time.Hour)
}

func newHarnessWithTTL(t *testing.T, sessionTTL time.Duration) *harness {
	t.Helper()

	users := newFakeUsers()
	users.users["alice"] = "password1"

	sessions := session.NewRegistry([]byte("0123456789abcdef0123456789abcdef"), 1, time.Hour)
	t.Cleanup(sessions.Shutdown)

	rooms := room.NewRegistry(0)
	if err := rooms.Bootstrap("AI Doodle", "You are a friendly test bot."); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	deps := Deps{
		Users:             users,
		Sessions:          sessions,
		Rooms:             rooms,
		AI:                ai.NewWithClient("http://fake-upstream.invalid", fakeAIDoer{reply: "Hi there, friend."}),
		SessionTTL:        sessionTTL,
		HeartbeatInterval: time.Hour, // effectively disabled for tests
	}

	clientConn, serverConn := net.Pipe()
	h := New(serverConn, deps)
	go h.Run()
	t.Cleanup(func() { clientConn.Close() })

	return &harness{t: t, client: clientConn, reader: bufio.NewReader(clientConn), deps: deps}
}

func (h *harness) send(line string) {
	h.t.Helper()
	if _, err := h.client.Write([]byte(line + "\n")); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

func (h *harness) expect(want string) {
	h.t.Helper()
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.reader.ReadString('\n')
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	got := line[:len(line)-1]
	if got != want {
		h.t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAuthRequiredOnConnect(t *testing.T) {
	h := newHarness(t)
	h.expect("AUTH_REQUIRED")
}

func TestLoginSuccessThenCreateRoomAndMessage(t *testing.T) {
	h := newHarness(t)
	h.expect("AUTH_REQUIRED")

	h.send("LOGIN alice password1")
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line[:len("AUTH_SUCCESS alice")] != "AUTH_SUCCESS alice" {
		t.Fatalf("got %q, want AUTH_SUCCESS alice <token>", line)
	}

	h.send("CREATE_ROOM lobby")
	h.expect("ROOM_CREATED lobby")
	h.expect("JOINED_ROOM lobby")
	h.expect("ROOM_MESSAGE [alice enters the room]")

	h.send("MESSAGE hi there")
	h.expect("ROOM_MESSAGE alice: hi there")
}

func TestLoginFailureStaysPreAuth(t *testing.T) {
	h := newHarness(t)
	h.expect("AUTH_REQUIRED")

	h.send("LOGIN alice wrongpassword")
	h.expect("AUTH_FAILED")

	h.send("LOGIN alice password1")
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line[:len("AUTH_SUCCESS alice")] != "AUTH_SUCCESS alice" {
		t.Fatalf("got %q after retry, want AUTH_SUCCESS alice <token>", line)
	}
}

func TestRegisterThenLoginSucceeds(t *testing.T) {
	h := newHarness(t)
	h.expect("AUTH_REQUIRED")

	h.send("REGISTER bob hunter2")
	h.expect("REGISTER_SUCCESS")

	h.send("LOGIN bob hunter2")
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line[:len("AUTH_SUCCESS bob")] != "AUTH_SUCCESS bob" {
		t.Fatalf("got %q, want AUTH_SUCCESS bob <token>", line)
	}
}

func TestMessageOutsideRoomIsError(t *testing.T) {
	h := newHarness(t)
	h.expect("AUTH_REQUIRED")

	h.send("LOGIN alice password1")
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.reader.ReadString('\n'); err != nil {
		t.Fatalf("read auth success: %v", err)
	}

	h.send("MESSAGE hello")
	h.expect("ERROR Not in a room")
}

func TestLogoutInvalidatesSession(t *testing.T) {
	h := newHarness(t)
	h.expect("AUTH_REQUIRED")

	h.send("LOGIN alice password1")
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	token := extractToken(line)

	h.send("LOGOUT")
	h.expect("LOGGED_OUT")

	if _, ok := h.deps.Sessions.Get(token); ok {
		t.Fatal("expected session to be removed after LOGOUT")
	}
}

// attachNewConn spins up a fresh connection against the same Deps, used to
// simulate a client reconnecting over a new socket after a soft
// disconnect.
func attachNewConn(t *testing.T, deps Deps) (net.Conn, *bufio.Reader) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	h := New(serverConn, deps)
	go h.Run()
	t.Cleanup(func() { clientConn.Close() })
	return clientConn, bufio.NewReader(clientConn)
}

func readLine(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line[:len(line)-1]
}

func TestReconnectRestoresRoomWithoutReannouncing(t *testing.T) {
	h := newHarness(t)
	h.expect("AUTH_REQUIRED")

	h.send("LOGIN alice password1")
	line := readLine(t, h.client, h.reader)
	token := extractToken(line)

	h.send("CREATE_ROOM lobby")
	h.expect("ROOM_CREATED lobby")
	h.expect("JOINED_ROOM lobby")
	h.expect("ROOM_MESSAGE [alice enters the room]")

	// Soft disconnect: close the client side without LOGOUT.
	h.client.Close()
	time.Sleep(50 * time.Millisecond)

	conn2, reader2 := attachNewConn(t, h.deps)
	readLine(t, conn2, reader2) // AUTH_REQUIRED
	conn2.Write([]byte("RECONNECT " + token + "\n"))
	got := readLine(t, conn2, reader2)
	want := "RECONNECT_SUCCESS alice lobby"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	got = readLine(t, conn2, reader2)
	if got != "ROOM_MESSAGE [alice enters the room]" {
		t.Fatalf("got %q, want the history snapshot line", got)
	}
	got = readLine(t, conn2, reader2)
	if got != "ROOM_MESSAGE [System: Reconnected to room lobby]" {
		t.Fatalf("got %q, want reconnect system message", got)
	}
}

func TestReconnectAfterSessionExpiryFails(t *testing.T) {
	h := newHarnessWithTTL(t, 20*time.Millisecond)
	h.expect("AUTH_REQUIRED")

	h.send("LOGIN alice password1")
	line := readLine(t, h.client, h.reader)
	token := extractToken(line)

	h.client.Close()
	time.Sleep(100 * time.Millisecond) // past the 20ms TTL

	conn2, reader2 := attachNewConn(t, h.deps)
	readLine(t, conn2, reader2) // AUTH_REQUIRED
	conn2.Write([]byte("RECONNECT " + token + "\n"))
	got := readLine(t, conn2, reader2)
	if got != "SESSION_EXPIRED" {
		t.Fatalf("got %q, want SESSION_EXPIRED", got)
	}
}

func TestAIRoomMessageTriggersBotReply(t *testing.T) {
	h := newHarness(t)
	h.expect("AUTH_REQUIRED")

	h.send("LOGIN alice password1")
	readLine(t, h.client, h.reader)

	h.send("JOIN_ROOM AI Doodle")
	h.expect("JOINED_ROOM AI Doodle")
	h.expect("ROOM_MESSAGE [alice enters the room]")

	h.send("MESSAGE hello bot")
	h.expect("ROOM_MESSAGE alice: hello bot")
	h.expect("ROOM_MESSAGE Bot: Hi there, friend.")
}

func extractToken(line string) string {
	// "AUTH_SUCCESS alice <token>\n"
	fields := strings.Fields(strings.TrimSuffix(line, "\n"))
	return fields[len(fields)-1]
}
