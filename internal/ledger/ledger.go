// Package ledger records which recipients of a message have been delivered
// to and the errors raised along the way.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Ledger is an append-only delivery record. Sent addresses are compared
// case-insensitively. It is safe for concurrent use.
type Ledger struct {
	mu   sync.Mutex
	sent map[string]struct{}
	errs strings.Builder
}

// Snapshot is the serializable state of a Ledger.
type Snapshot struct {
	Sent   []string `json:"sent"`
	Errors string   `json:"errors"`
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{sent: make(map[string]struct{})}
}

// Restore rebuilds a ledger from a snapshot.
func Restore(s Snapshot) *Ledger {
	l := New()
	for _, addr := range s.Sent {
		l.sent[normalize(addr)] = struct{}{}
	}
	l.errs.WriteString(s.Errors)
	return l
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// MarkSent records a delivered address. It reports whether the address was
// not already recorded.
func (l *Ledger) MarkSent(addr string) bool {
	k := normalize(addr)
	if k == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sent[k]; ok {
		return false
	}
	l.sent[k] = struct{}{}
	return true
}

// AlreadySent reports whether addr has been recorded as delivered.
func (l *Ledger) AlreadySent(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sent[normalize(addr)]
	return ok
}

// LogError appends one entry to the error log.
func (l *Ledger) LogError(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		l.errs.WriteByte('\n')
	}
}

// LogErr appends err to the error log.
func (l *Ledger) LogErr(err error) {
	if err == nil {
		return
	}
	l.LogError(fmt.Sprintf("[ERROR]:%v", err))
}

// Errors returns the accumulated error log.
func (l *Ledger) Errors() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs.String()
}

// Sent returns the delivered addresses, sorted.
func (l *Ledger) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sentLocked()
}

func (l *Ledger) sentLocked() []string {
	out := make([]string, 0, len(l.sent))
	for addr := range l.sent {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of delivered addresses.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// Snapshot returns a consistent copy of the ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{Sent: l.sentLocked(), Errors: l.errs.String()}
}
