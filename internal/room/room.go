// Package room implements Room and RoomRegistry (spec sections 4.4-4.5): a
// named broadcast domain with bounded history and per-subscriber delivery
// queues, and a name-keyed directory of rooms.
//
// Grounded on the teacher's server/topic.go (subscriber map, history) and
// server/hub.go (name-keyed registry), collapsed from their channel-driven
// actor loops to the lock-only-for-commit, snapshot-then-enqueue discipline
// spec section 5 requires: broadcast holds the exclusive lock only long
// enough to append to history and copy the subscriber set, then enqueues to
// the snapshot after releasing it.
package room

import (
	"sync"

	"github.com/lanternchat/lantern/internal/metrics"
	"github.com/lanternchat/lantern/internal/queue"
	"github.com/lanternchat/lantern/internal/wire"
)

// defaultHistoryCap is the maximum number of history entries a Room retains
// before evicting the oldest, absent an explicit configured cap, per spec
// section 4.2's "cap >= 1000".
const defaultHistoryCap = 1000

// joinSnapshotSize is how many trailing history entries a newly joined
// subscriber receives, per spec section 4.4.
const joinSnapshotSize = 50

// Room is a named broadcast domain: a bounded, ordered message history and
// a set of subscriber delivery queues fed from a single linearisation
// point in broadcast.
type Room struct {
	Name         string
	IsAI         bool
	SystemPrompt string

	historyCap int

	mu      sync.Mutex
	history []string
	subs    map[string]*queue.Queue
}

func newRoom(name string, isAI bool, systemPrompt string, historyCap int) *Room {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	return &Room{
		Name:         name,
		IsAI:         isAI,
		SystemPrompt: systemPrompt,
		historyCap:   historyCap,
		subs:         make(map[string]*queue.Queue),
	}
}

// AddUser inserts user as a subscriber, delivering via deliver, and
// snapshots the last joinSnapshotSize history entries into its queue so
// the subscriber sees recent context. Rejoining the same user replaces the
// prior queue; the old one is detached with queue.Close (which keeps its
// buffered messages rather than dropping them) and left to finish
// draining or die on its own.
func (r *Room) AddUser(user string, deliver queue.Deliver) *queue.Queue {
	q := queue.New(deliver)

	r.mu.Lock()
	old, existed := r.subs[user]
	snapshot := tailN(r.history, joinSnapshotSize)
	r.subs[user] = q
	r.mu.Unlock()

	if existed {
		old.Close()
	} else {
		metrics.RoomSubscribersActive.Inc()
	}
	for _, line := range snapshot {
		q.Enqueue(line)
	}
	return q
}

// RemoveUser detaches user's queue from the room and closes it, so it is
// unreachable from future broadcasts.
func (r *Room) RemoveUser(user string) {
	r.mu.Lock()
	q, ok := r.subs[user]
	delete(r.subs, user)
	r.mu.Unlock()
	if ok {
		q.Close()
		metrics.RoomSubscribersActive.Dec()
	}
}

// Has reports whether user currently subscribes to the room.
func (r *Room) Has(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[user]
	return ok
}

// Broadcast appends line to history, evicting the oldest entry if the
// history is at capacity, then enqueues it to every current subscriber.
// The history append and the subscriber snapshot happen under the same
// critical section so all subscribers observe broadcasts in the same
// order history does; the enqueue itself happens after the lock is
// released (spec section 5).
func (r *Room) Broadcast(line string) {
	r.mu.Lock()
	r.history = append(r.history, line)
	if len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
	snapshot := make([]*queue.Queue, 0, len(r.subs))
	for _, q := range r.subs {
		snapshot = append(snapshot, q)
	}
	r.mu.Unlock()

	for _, q := range snapshot {
		q.Enqueue(line)
	}
}

// UserMessage formats and broadcasts a chat line attributed to user.
func (r *Room) UserMessage(user, text string) {
	r.Broadcast(wire.UserMessage(user, text))
}

// BotMessage formats and broadcasts an AI participant's reply. It does not
// check for an empty reply itself; connhandler's triggerAI broadcasts the
// "did not generate a valid response" SystemMessage instead of calling it
// with an empty reply (spec section 4.4's edge case).
func (r *Room) BotMessage(text string) {
	r.Broadcast(wire.BotMessage(text))
}

// SystemMessage formats and broadcasts a bracketed system notice. Callers
// performing a soft departure (reconnect-eligible disconnect, spec section
// 4.7) must not call this for the departing user.
func (r *Room) SystemMessage(text string) {
	r.Broadcast(wire.SystemMessage(text))
}

// HistorySnapshot returns a copy of the last k history entries, used
// by the AI completion pipeline's context extraction (spec section 4.6).
func (r *Room) HistorySnapshot(k int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return tailN(r.history, k)
}

func tailN(lines []string, n int) []string {
	if len(lines) <= n {
		out := make([]string, len(lines))
		copy(out, lines)
		return out
	}
	out := make([]string, n)
	copy(out, lines[len(lines)-n:])
	return out
}

// Registry is a name-keyed directory of rooms, with a uniqueness guarantee
// on creation (spec section 4.5).
type Registry struct {
	historyCap int

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry constructs an empty room directory. historyCap bounds every
// room it creates (spec section 6's "room history cap"); a value <= 0
// falls back to defaultHistoryCap.
func NewRegistry(historyCap int) *Registry {
	return &Registry{historyCap: historyCap, rooms: make(map[string]*Room)}
}

// CreateRoom creates a plain room named name. It fails if a room by that
// name already exists.
func (reg *Registry) CreateRoom(name string) (*Room, error) {
	return reg.create(name, false, "")
}

// CreateAIRoom creates an AI-backed room with the given system prompt. It
// fails if a room by that name already exists. systemPrompt must be
// non-empty, per the Room invariant that the prompt is non-empty iff
// isAI (spec section 3).
func (reg *Registry) CreateAIRoom(name, systemPrompt string) (*Room, error) {
	if systemPrompt == "" {
		return nil, ErrEmptySystemPrompt
	}
	return reg.create(name, true, systemPrompt)
}

func (reg *Registry) create(name string, isAI bool, systemPrompt string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.rooms[name]; exists {
		return nil, ErrRoomExists
	}
	r := newRoom(name, isAI, systemPrompt, reg.historyCap)
	reg.rooms[name] = r
	return r, nil
}

// Get returns the room named name, if any.
func (reg *Registry) Get(name string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[name]
	return r, ok
}

// Exists reports whether a room named name is registered.
func (reg *Registry) Exists(name string) bool {
	_, ok := reg.Get(name)
	return ok
}

// Names returns the set of currently registered room names, in no
// particular order.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.rooms))
	for name := range reg.rooms {
		names = append(names, name)
	}
	return names
}

// Bootstrap creates the server's standing rooms: two plain rooms and one
// AI room, per spec section 4.5's "initial rooms required at startup".
// aiRoomName and aiSystemPrompt are configurable (internal/config); it is
// an error to call Bootstrap on a registry that already has rooms under
// these names.
func (reg *Registry) Bootstrap(aiRoomName, aiSystemPrompt string) error {
	for _, name := range []string{"General", "Library"} {
		if _, err := reg.CreateRoom(name); err != nil {
			return err
		}
	}
	_, err := reg.CreateAIRoom(aiRoomName, aiSystemPrompt)
	return err
}
