// Package distribution holds the sender and the grouped TO, CC and BCC
// recipients of a message.
package distribution

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shineum/mailfanout/internal/address"
)

// Role is a recipient role.
type Role string

const (
	To  Role = "TO"
	Cc  Role = "CC"
	Bcc Role = "BCC"
)

// Roles lists the recipient roles in header order.
var Roles = []Role{To, Cc, Bcc}

// DefaultGroup is the group that holds addresses added without group syntax.
const DefaultGroup = "staticaddr"

// ErrUnknownRole is returned for a role other than TO, CC or BCC.
var ErrUnknownRole = errors.New("unknown recipient role")

type groupSet map[string]map[string]*mail.Address

// List is a distribution list. It is safe for concurrent use.
type List struct {
	mu          sync.RWMutex
	from        *mail.Address
	roles       map[Role]groupSet
	lastChanged time.Time
}

// New creates a list with the given sender and TO header. The TO header may
// contain group literals.
func New(from, to string) (*List, error) {
	l := &List{roles: newRoles()}
	if err := l.SetFrom(from); err != nil {
		return nil, err
	}
	if _, err := l.AddTo(to); err != nil {
		return nil, err
	}
	return l, nil
}

func newRoles() map[Role]groupSet {
	return map[Role]groupSet{To: {}, Cc: {}, Bcc: {}}
}

func key(a *mail.Address) string {
	return strings.ToLower(a.Address)
}

func copyAddress(a *mail.Address) *mail.Address {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// From returns a copy of the sender.
func (l *List) From() *mail.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyAddress(l.from)
}

// SetFrom replaces the sender. Group syntax is rejected.
func (l *List) SetFrom(from string) error {
	addr, err := address.ParseAddress(from)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.from != nil && key(l.from) == key(addr) && l.from.Name == addr.Name {
		return nil
	}
	l.from = addr
	l.touch()
	return nil
}

// AddTo adds the addresses of a TO header.
func (l *List) AddTo(header string) (bool, error) { return l.Add(To, header) }

// AddCc adds the addresses of a CC header.
func (l *List) AddCc(header string) (bool, error) { return l.Add(Cc, header) }

// AddBcc adds the addresses of a BCC header.
func (l *List) AddBcc(header string) (bool, error) { return l.Add(Bcc, header) }

// Add parses header and files each address under its group, or under
// DefaultGroup for bare addresses. A blank header is a no-op. It reports
// whether any address was new.
func (l *List) Add(role Role, header string) (bool, error) {
	if !validRole(role) {
		return false, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	groups, err := address.ParseList(header)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	changed := false
	for _, g := range groups {
		name := g.Name
		if name == "" {
			name = DefaultGroup
		}
		if l.addLocked(role, name, g.Members...) {
			changed = true
		}
	}
	if changed {
		l.touch()
	}
	return changed, nil
}

func (l *List) addLocked(role Role, group string, addrs ...*mail.Address) bool {
	set := l.roles[role][group]
	if set == nil {
		set = make(map[string]*mail.Address)
		l.roles[role][group] = set
	}
	changed := false
	for _, a := range addrs {
		k := key(a)
		if _, ok := set[k]; ok {
			continue
		}
		set[k] = copyAddress(a)
		changed = true
	}
	return changed
}

// Remove deletes addr from the named group of role. It reports whether the
// address was present.
func (l *List) Remove(role Role, group, addr string) (bool, error) {
	if !validRole(role) {
		return false, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	a, err := address.ParseAddress(addr)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	set := l.roles[role][group]
	if _, ok := set[key(a)]; !ok {
		return false, nil
	}
	delete(set, key(a))
	if len(set) == 0 {
		delete(l.roles[role], group)
	}
	l.touch()
	return true, nil
}

// RemoveAddress deletes addr from the default group of role.
func (l *List) RemoveAddress(role Role, addr string) (bool, error) {
	return l.Remove(role, DefaultGroup, addr)
}

// Flatten returns the distinct addresses of role across all groups, sorted
// by address.
func (l *List) Flatten(role Role) []*mail.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return flatten(l.roles[role])
}

func flatten(groups groupSet) []*mail.Address {
	seen := make(map[string]*mail.Address)
	for _, set := range groups {
		for k, a := range set {
			if _, ok := seen[k]; !ok {
				seen[k] = a
			}
		}
	}
	out := make([]*mail.Address, 0, len(seen))
	for _, a := range seen {
		out = append(out, copyAddress(a))
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

// Groups returns the group names used by role, sorted.
func (l *List) Groups(role Role) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.roles[role]))
	for name := range l.roles[role] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Group returns the addresses of one group of role, sorted.
func (l *List) Group(role Role, group string) []*mail.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return flatten(groupSet{group: l.roles[role][group]})
}

// Len returns the number of distinct recipients across all roles.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.recipientSetLocked())
	return n
}

// LastChanged returns the time of the last mutation.
func (l *List) LastChanged() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastChanged
}

func (l *List) touch() {
	l.lastChanged = time.Now()
}

// Clone returns a deep copy. Changes to the copy never affect l.
func (l *List) Clone() *List {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c := &List{
		from:        copyAddress(l.from),
		roles:       newRoles(),
		lastChanged: l.lastChanged,
	}
	for role, groups := range l.roles {
		for name, set := range groups {
			cs := make(map[string]*mail.Address, len(set))
			for k, a := range set {
				cs[k] = copyAddress(a)
			}
			c.roles[role][name] = cs
		}
	}
	return c
}

func (l *List) recipientSetLocked() map[string]struct{} {
	set := make(map[string]struct{})
	for _, groups := range l.roles {
		for _, members := range groups {
			for k := range members {
				set[k] = struct{}{}
			}
		}
	}
	return set
}

func (l *List) identityLocked() map[string]struct{} {
	set := l.recipientSetLocked()
	if l.from != nil {
		set[key(l.from)] = struct{}{}
	}
	return set
}

// Equal reports whether both lists cover the same set of addresses, sender
// included, regardless of role or group.
func (l *List) Equal(o *List) bool {
	if l == o {
		return true
	}
	if l == nil || o == nil {
		return false
	}

	l.mu.RLock()
	a := l.identityLocked()
	l.mu.RUnlock()
	o.mu.RLock()
	b := o.identityLocked()
	o.mu.RUnlock()

	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Hash is consistent with Equal.
func (l *List) Hash() uint64 {
	l.mu.RLock()
	set := l.identityLocked()
	l.mu.RUnlock()

	var sum uint64
	for k := range set {
		h := fnv.New64a()
		h.Write([]byte(k))
		sum += h.Sum64()
	}
	return sum
}

func validRole(r Role) bool {
	return r == To || r == Cc || r == Bcc
}
