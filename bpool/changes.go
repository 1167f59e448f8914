package bpool

// ChangeKind identifies what happened to a session.
type ChangeKind uint8

const (
	SessionAdded ChangeKind = iota + 1
	SessionRemoved
	PresenceChanged
)

func (k ChangeKind) String() string {
	switch k {
	case SessionAdded:
		return "added"
	case SessionRemoved:
		return "removed"
	case PresenceChanged:
		return "presence"
	default:
		return "unknown"
	}
}

// Change is a single entry in the registry's change feed.
type Change struct {
	Kind ChangeKind
	ID   ClientID

	// The session's presence after the change.
	// Always false for SessionRemoved.
	Online bool
}

// Changes is a linked list of registry changes.
// The registry is the only writer;
// any number of readers may follow the list at their own pace.
//
// A reader waits for Ready to be closed,
// after which Val and Next are safe to read.
// A reader that stops following the list must drop its reference,
// otherwise every later node is retained.
type Changes struct {
	Ready chan struct{}
	Next  *Changes
	Val   Change
}

func newChanges() *Changes {
	return &Changes{
		Ready: make(chan struct{}),
	}
}

// set assigns the value, allocates Next, and then closes Ready.
// Calling set twice on the same node panics.
func (c *Changes) set(ch Change) {
	c.Val = ch
	c.Next = newChanges()
	close(c.Ready)
}
