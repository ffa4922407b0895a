package distribution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"

	"github.com/shineum/mailfanout/internal/address"
)

type flatWire struct {
	From string   `json:"FROM"`
	To   []string `json:"TO"`
	Cc   []string `json:"CC,omitempty"`
	Bcc  []string `json:"BCC,omitempty"`
}

type groupedWire struct {
	From string              `json:"FROM"`
	To   map[string][]string `json:"TO"`
	Cc   map[string][]string `json:"CC,omitempty"`
	Bcc  map[string][]string `json:"BCC,omitempty"`
}

type decodeWire struct {
	From json.RawMessage `json:"FROM"`
	To   json.RawMessage `json:"TO"`
	Cc   json.RawMessage `json:"CC"`
	Bcc  json.RawMessage `json:"BCC"`
}

type addressObject struct {
	Address  string `json:"address"`
	Personal string `json:"personal"`
}

func strs(addrs []*mail.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (l *List) fromString() string {
	if l.from == nil {
		return ""
	}
	return l.from.String()
}

// EncodeFlat encodes the list with one array per role. CC and BCC are
// omitted when empty.
func (l *List) EncodeFlat() ([]byte, error) {
	l.mu.RLock()
	w := flatWire{
		From: l.fromString(),
		To:   strs(flatten(l.roles[To])),
	}
	if cc := flatten(l.roles[Cc]); len(cc) > 0 {
		w.Cc = strs(cc)
	}
	if bcc := flatten(l.roles[Bcc]); len(bcc) > 0 {
		w.Bcc = strs(bcc)
	}
	l.mu.RUnlock()
	return json.Marshal(w)
}

// EncodeWithGroups encodes each role as an object keyed by group name.
func (l *List) EncodeWithGroups() ([]byte, error) {
	l.mu.RLock()
	w := groupedWire{
		From: l.fromString(),
		To:   l.groupMapLocked(To),
		Cc:   l.groupMapLocked(Cc),
		Bcc:  l.groupMapLocked(Bcc),
	}
	l.mu.RUnlock()
	if w.To == nil {
		w.To = map[string][]string{}
	}
	return json.Marshal(w)
}

func (l *List) groupMapLocked(role Role) map[string][]string {
	groups := l.roles[role]
	if len(groups) == 0 {
		return nil
	}
	out := make(map[string][]string, len(groups))
	for name, set := range groups {
		out[name] = strs(flatten(groupSet{name: set}))
	}
	return out
}

// RoleJSON encodes the flattened addresses of one role as a JSON array.
func (l *List) RoleJSON(role Role) ([]byte, error) {
	if !validRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return json.Marshal(strs(l.Flatten(role)))
}

// GroupJSON encodes one group of a role as a JSON array.
func (l *List) GroupJSON(role Role, group string) ([]byte, error) {
	if !validRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return json.Marshal(strs(l.Group(role, group)))
}

// Decode parses either the flat or the grouped JSON shape. Addresses may be
// strings or objects with "address" and "personal" fields.
func Decode(data []byte) (*List, error) {
	var w decodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode distribution: %w", err)
	}

	from, err := decodeAddress(w.From)
	if err != nil {
		return nil, fmt.Errorf("decode distribution FROM: %w", err)
	}
	if from == nil {
		return nil, fmt.Errorf("decode distribution: %w: FROM is required", address.ErrAddressFormat)
	}

	l := &List{from: from, roles: newRoles()}
	for role, raw := range map[Role]json.RawMessage{To: w.To, Cc: w.Cc, Bcc: w.Bcc} {
		if err := l.decodeRole(role, raw); err != nil {
			return nil, fmt.Errorf("decode distribution %s: %w", role, err)
		}
	}
	l.touch()
	return l, nil
}

func (l *List) decodeRole(role Role, raw json.RawMessage) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	if raw[0] == '[' {
		addrs, err := decodeArray(raw)
		if err != nil {
			return err
		}
		if len(addrs) > 0 {
			l.addLocked(role, DefaultGroup, addrs...)
		}
		return nil
	}

	var groups map[string]json.RawMessage
	if err := json.Unmarshal(raw, &groups); err != nil {
		return err
	}
	for name, members := range groups {
		addrs, err := decodeArray(members)
		if err != nil {
			return fmt.Errorf("group %q: %w", name, err)
		}
		if len(addrs) > 0 {
			l.addLocked(role, name, addrs...)
		}
	}
	return nil
}

func decodeArray(raw json.RawMessage) ([]*mail.Address, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]*mail.Address, 0, len(items))
	for _, item := range items {
		a, err := decodeAddress(item)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func decodeAddress(raw json.RawMessage) (*mail.Address, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '{' {
		var obj addressObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		a, err := address.ParseAddress(obj.Address)
		if err != nil {
			return nil, err
		}
		if obj.Personal != "" {
			a.Name = obj.Personal
		}
		return a, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return address.ParseAddress(s)
}

// MarshalJSON encodes the grouped shape.
func (l *List) MarshalJSON() ([]byte, error) {
	return l.EncodeWithGroups()
}

// UnmarshalJSON accepts either shape.
func (l *List) UnmarshalJSON(data []byte) error {
	d, err := Decode(data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.from = d.from
	l.roles = d.roles
	l.lastChanged = d.lastChanged
	return nil
}

// String returns the with-groups JSON encoding, indented.
func (l *List) String() string {
	b, err := l.EncodeWithGroups()
	if err != nil {
		return fmt.Sprintf("distribution(%v)", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "  "); err != nil {
		return fmt.Sprintf("distribution(%v)", err)
	}
	return out.String()
}
