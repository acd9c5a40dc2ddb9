package room

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func collector() (func(msg string) error, func() []string) {
	var mu sync.Mutex
	var got []string
	deliver := func(msg string) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	}
	read := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(got))
		copy(out, got)
		return out
	}
	return deliver, read
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	r := newRoom("lobby", false, "", 0)

	deliverA, readA := collector()
	deliverB, readB := collector()
	r.AddUser("alice", deliverA)
	r.AddUser("bob", deliverB)

	r.UserMessage("alice", "hi")

	waitFor(t, func() bool { return len(readA()) == 1 && len(readB()) == 1 })

	want := "alice: hi"
	if got := readA(); got[0] != want {
		t.Fatalf("alice got %q, want %q", got[0], want)
	}
	if got := readB(); got[0] != want {
		t.Fatalf("bob got %q, want %q", got[0], want)
	}
}

func TestAddUserSnapshotsRecentHistory(t *testing.T) {
	r := newRoom("lobby", false, "", 0)

	deliverA, _ := collector()
	r.AddUser("alice", deliverA)
	r.UserMessage("alice", "one")
	r.UserMessage("alice", "two")

	deliverB, readB := collector()
	r.AddUser("bob", deliverB)

	waitFor(t, func() bool { return len(readB()) == 2 })
	got := readB()
	if got[0] != "alice: one" || got[1] != "alice: two" {
		t.Fatalf("bob's snapshot = %v, want [alice: one, alice: two]", got)
	}
}

func TestRemoveUserStopsDelivery(t *testing.T) {
	r := newRoom("lobby", false, "", 0)

	deliverA, readA := collector()
	r.AddUser("alice", deliverA)
	r.RemoveUser("alice")

	r.UserMessage("someone-else", "hello")
	time.Sleep(50 * time.Millisecond)

	if len(readA()) != 0 {
		t.Fatalf("expected no delivery after RemoveUser, got %v", readA())
	}
	if r.Has("alice") {
		t.Fatal("expected Has to report false after RemoveUser")
	}
}

func TestRejoinReplacesQueue(t *testing.T) {
	r := newRoom("lobby", false, "", 0)

	deliverOld, readOld := collector()
	r.AddUser("alice", deliverOld)

	deliverNew, readNew := collector()
	r.AddUser("alice", deliverNew)

	r.UserMessage("bob", "after rejoin")

	waitFor(t, func() bool { return len(readNew()) == 1 })
	if len(readOld()) != 0 {
		t.Fatalf("expected old queue to receive nothing post-rejoin, got %v", readOld())
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	r := newRoom("lobby", false, "", 0)
	for i := 0; i < defaultHistoryCap+10; i++ {
		r.Broadcast(fmt.Sprintf("entry-%d", i))
	}
	snap := r.HistorySnapshot(defaultHistoryCap + 10)
	if len(snap) != defaultHistoryCap {
		t.Fatalf("history length = %d, want %d", len(snap), defaultHistoryCap)
	}
	if snap[0] != "entry-10" {
		t.Fatalf("oldest retained entry = %q, want %q", snap[0], "entry-10")
	}
}

func TestNewRoomUsesConfiguredHistoryCap(t *testing.T) {
	r := newRoom("lobby", false, "", 5)
	for i := 0; i < 8; i++ {
		r.Broadcast(fmt.Sprintf("entry-%d", i))
	}
	snap := r.HistorySnapshot(100)
	if len(snap) != 5 {
		t.Fatalf("history length = %d, want 5", len(snap))
	}
	if snap[0] != "entry-3" {
		t.Fatalf("oldest retained entry = %q, want %q", snap[0], "entry-3")
	}
}

func TestSlowSubscriberDoesNotStallBroadcast(t *testing.T) {
	r := newRoom("lobby", false, "", 0)

	block := make(chan struct{})
	slow := func(msg string) error {
		<-block
		return nil
	}
	r.AddUser("slowpoke", slow)

	deliverFast, readFast := collector()
	r.AddUser("alice", deliverFast)

	done := make(chan struct{})
	go func() {
		r.UserMessage("bob", "hello")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}

	waitFor(t, func() bool { return len(readFast()) == 1 })
	close(block)
}

func TestRegistryCreateRoomUniqueness(t *testing.T) {
	reg := NewRegistry(0)

	if _, err := reg.CreateRoom("General"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := reg.CreateRoom("General"); err != ErrRoomExists {
		t.Fatalf("second CreateRoom err = %v, want ErrRoomExists", err)
	}
}

func TestRegistryCreateAIRoomRequiresPrompt(t *testing.T) {
	reg := NewRegistry(0)
	if _, err := reg.CreateAIRoom("AI Doodle", ""); err != ErrEmptySystemPrompt {
		t.Fatalf("err = %v, want ErrEmptySystemPrompt", err)
	}
}

func TestRegistryBootstrap(t *testing.T) {
	reg := NewRegistry(0)
	if err := reg.Bootstrap("AI Doodle", "You are a helpful bot."); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	for _, name := range []string{"General", "Library", "AI Doodle"} {
		if !reg.Exists(name) {
			t.Fatalf("expected room %q to exist after Bootstrap", name)
		}
	}

	aiRoom, _ := reg.Get("AI Doodle")
	if !aiRoom.IsAI {
		t.Fatal("expected AI Doodle to be marked isAI")
	}
	if aiRoom.SystemPrompt == "" {
		t.Fatal("expected AI Doodle to carry a non-empty system prompt")
	}

	general, _ := reg.Get("General")
	if general.IsAI {
		t.Fatal("expected General to not be an AI room")
	}
}

func TestRegistryNamesAndGet(t *testing.T) {
	reg := NewRegistry(0)
	reg.CreateRoom("a")
	reg.CreateRoom("b")

	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatal("expected Get to report false for an unregistered room")
	}
}
