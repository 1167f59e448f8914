// Package bpool is the registry of live client sessions.
//
// The registry is shared by every role in the node.
// It is split into shards keyed by a hash of the client ID,
// each guarded by its own lock,
// and no lock is ever held across network I/O.
package bpool

import (
	"cmp"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gordian-engine/bitcomm/bquic"
)

// ClientID identifies a client across reconnects.
type ClientID [16]byte

func (id ClientID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseClientID parses the output of [ClientID.String].
func ParseClientID(s string) (ClientID, error) {
	var id ClientID
	if hex.DecodedLen(len(s)) != len(id) {
		return id, fmt.Errorf("client ID must be %d hex characters (got %d)", 2*len(id), len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("invalid client ID: %w", err)
	}
	return id, nil
}

// Compare orders IDs bytewise.
func (id ClientID) Compare(other ClientID) int {
	for i := range id {
		if c := cmp.Compare(id[i], other[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Session is a registered client.
// Values returned from the [Registry] are copies;
// modify the canonical entry through the Registry methods.
type Session struct {
	ID ClientID

	// Used to write back to the client.
	Conn bquic.Conn

	// Called with the byte count of every write made to Conn
	// outside the client's own streams.
	// May be nil.
	OnProgress func(int)

	RemoteAddr net.Addr

	ConnectedAt time.Time
	LastSeen    time.Time

	Online bool
}

// ErrNotFound is returned when an operation names an unregistered client.
var ErrNotFound = errors.New("client not registered")

// AlreadyRegisteredError is returned from [*Registry.Register]
// when a session with the same ID already exists.
type AlreadyRegisteredError struct {
	ID ClientID
}

func (e AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("client %s is already registered", e.ID)
}

// DefaultShards is the shard count used when NewRegistry is given zero.
const DefaultShards = 32

// Registry is the shared map of live sessions.
// All methods are safe for concurrent use.
type Registry struct {
	shards []shard

	// Guards feed. Always acquired after a shard lock, never before.
	feedMu sync.Mutex
	feed   *Changes
}

type shard struct {
	mu       sync.RWMutex
	sessions map[ClientID]*Session
}

// NewRegistry returns an empty registry with the given number of shards.
func NewRegistry(shards int) *Registry {
	if shards < 0 {
		panic(fmt.Errorf("BUG: shard count must not be negative (got %d)", shards))
	}
	if shards == 0 {
		shards = DefaultShards
	}

	r := &Registry{
		shards: make([]shard, shards),
		feed:   newChanges(),
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[ClientID]*Session)
	}
	return r
}

func (r *Registry) shardFor(id ClientID) *shard {
	return &r.shards[xxhash.Sum64(id[:])%uint64(len(r.shards))]
}

// Changes returns the current tail of the change feed.
// Its Ready channel is closed on the next change.
func (r *Registry) Changes() *Changes {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	return r.feed
}

// publish must be called with the changed session's shard locked,
// so that changes to one ID appear in the order they were applied.
func (r *Registry) publish(ch Change) {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	r.feed.set(ch)
	r.feed = r.feed.Next
}

// Register adds s to the registry.
// If LastSeen is zero it is set to ConnectedAt.
func (r *Registry) Register(s Session) error {
	if s.LastSeen.IsZero() {
		s.LastSeen = s.ConnectedAt
	}

	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[s.ID]; ok {
		return AlreadyRegisteredError{ID: s.ID}
	}
	sh.sessions[s.ID] = &s
	r.publish(Change{Kind: SessionAdded, ID: s.ID, Online: s.Online})
	return nil
}

// Deregister removes the session for id.
func (r *Registry) Deregister(id ClientID) error {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(sh.sessions, id)
	r.publish(Change{Kind: SessionRemoved, ID: id})
	return nil
}

// DeregisterConn removes the session for id
// only if it is still bound to conn.
// It reports whether a session was removed.
//
// This lets a connection clean up after itself
// without racing a newer connection that reused the ID.
func (r *Registry) DeregisterConn(id ClientID, conn bquic.Conn) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	if !ok || s.Conn != conn {
		return false
	}
	delete(sh.sessions, id)
	r.publish(Change{Kind: SessionRemoved, ID: id})
	return true
}

// Lookup returns a copy of the session for id.
func (r *Registry) Lookup(id ClientID) (Session, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Touch records activity from id at t,
// marking the session online.
func (r *Registry) Touch(id ClientID, t time.Time) error {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if t.After(s.LastSeen) {
		s.LastSeen = t
	}
	if !s.Online {
		s.Online = true
		r.publish(Change{Kind: PresenceChanged, ID: id, Online: true})
	}
	return nil
}

// SetPresence sets the online marker for id.
func (r *Registry) SetPresence(id ClientID, online bool) error {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Online != online {
		s.Online = online
		r.publish(Change{Kind: PresenceChanged, ID: id, Online: online})
	}
	return nil
}

// Len returns the number of registered sessions.
// The result may be stale by the time it is used.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// List returns the registered IDs in ascending order.
//
// Shards are visited one at a time,
// so the result is not an atomic snapshot of the whole registry.
func (r *Registry) List() []ClientID {
	ids := make([]ClientID, 0, r.Len())
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for id := range sh.sessions {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}

	slices.SortFunc(ids, ClientID.Compare)
	return ids
}

// Snapshot returns copies of every session, ordered by ID.
// It has the same consistency as [*Registry.List].
func (r *Registry) Snapshot() []Session {
	out := make([]Session, 0, r.Len())
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, *s)
		}
		sh.mu.RUnlock()
	}

	slices.SortFunc(out, func(a, b Session) int { return a.ID.Compare(b.ID) })
	return out
}
