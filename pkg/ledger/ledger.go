// Package ledger keeps the weights committed during a weighing session
package ledger

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Source denotes how an entry was committed
type Source string

const (

	// SourceAuto denotes an entry committed by the stability detector
	SourceAuto Source = "auto"

	// SourceManual denotes an entry saved on request
	SourceManual Source = "manual"
)

// Entry denotes a single committed weight
type Entry struct {
	ID     ulid.ULID `json:"id"`
	Grams  int       `json:"grams"`
	At     time.Time `json:"at"`
	Source Source    `json:"source"`
}

// Option denotes a functional option of the ledger
type Option func(*Ledger)

// WithClock sets the clock used to timestamp entries
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger denotes an ordered, in-memory list of committed weights. Entries are
// indexed in commit order and presented most recent first
type Ledger struct {
	mu      sync.Mutex
	entries []Entry // commit order
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// New instantiates a new, empty ledger
func New(options ...Option) *Ledger {
	l := &Ledger{
		now: time.Now,
	}
	for _, option := range options {
		option(l)
	}
	l.entropy = ulid.Monotonic(rand.New(rand.NewSource(l.now().UnixNano())), 0)

	return l
}

// Commit adds a weight to the ledger
func (l *Ledger) Commit(grams int, source Source) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now()
	entry := Entry{
		ID:     ulid.MustNew(ulid.Timestamp(t), l.entropy),
		Grams:  grams,
		At:     t,
		Source: source,
	}
	l.entries = append(l.entries, entry)

	return entry
}

// Delete removes the entry at the given index in commit order, the first
// committed entry having index 0 (not the order of Entries()). Out of range
// indices are ignored
func (l *Ledger) Delete(index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.entries) {
		return false
	}
	l.removeLocked(index)

	return true
}

// Remove removes the entry with the given ID, if present
func (l *Ledger) Remove(id ulid.ULID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, entry := range l.entries {
		if entry.ID == id {
			l.removeLocked(i)
			return true
		}
	}

	return false
}

// Clear removes all entries
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Entries returns a copy of all entries, most recent first
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]Entry, len(l.entries))
	for i, entry := range l.entries {
		entries[len(entries)-1-i] = entry
	}
	return entries
}

// Values returns the committed weights, most recent first
func (l *Ledger) Values() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	values := make([]int, len(l.entries))
	for i, entry := range l.entries {
		values[len(values)-1-i] = entry.Grams
	}
	return values
}

// Len returns the number of entries
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Export renders the ledger as plain text, one "<grams>g" line per entry
// (most recent first)
func (l *Ledger) Export() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	for i := len(l.entries) - 1; i >= 0; i-- {
		sb.WriteString(strconv.Itoa(l.entries[i].Grams))
		sb.WriteString("g\n")
	}
	return sb.String()
}

////////////////////////////////////////////////////////////////////////////////

func (l *Ledger) removeLocked(index int) {
	l.entries = append(l.entries[:index:index], l.entries[index+1:]...)
}
