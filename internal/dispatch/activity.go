package dispatch

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// ActivityEntry records one dispatched request.
type ActivityEntry struct {
	Time     time.Time `json:"time"`
	Method   string    `json:"method"`
	Code     int       `json:"code,omitempty"`
	Error    string    `json:"error,omitempty"`
	Duration string    `json:"duration"`
}

// Activity is the rolling in-memory buffer of recent dispatches. It is the
// only request history the broker keeps; nothing is persisted.
type Activity struct {
	mu      sync.Mutex
	entries []ActivityEntry
	next    int
	full    bool
}

// NewActivity creates a buffer holding the most recent capacity entries.
func NewActivity(capacity int) *Activity {
	if capacity <= 0 {
		capacity = 256
	}
	return &Activity{entries: make([]ActivityEntry, capacity)}
}

// Record appends one entry, evicting the oldest when full.
func (a *Activity) Record(method string, perr *protocol.Error, elapsed time.Duration) {
	entry := ActivityEntry{
		Time:     time.Now().UTC(),
		Method:   method,
		Duration: elapsed.Round(time.Microsecond).String(),
	}
	if perr != nil {
		entry.Code = perr.Code
		entry.Error = perr.Message
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.next] = entry
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
}

// Recent returns the buffered entries, oldest first.
func (a *Activity) Recent() []ActivityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.full {
		out := make([]ActivityEntry, a.next)
		copy(out, a.entries[:a.next])
		return out
	}
	out := make([]ActivityEntry, 0, len(a.entries))
	out = append(out, a.entries[a.next:]...)
	out = append(out, a.entries[:a.next]...)
	return out
}
