// Package address parses RFC 5322 address headers, including group syntax
// such as "team: ann@example.com, bob@example.com;".
package address

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrAddressFormat is returned when an address or group literal is malformed.
var ErrAddressFormat = errors.New("invalid address format")

// Group is one entry of an address header. A bare address is returned as a
// Group with an empty Name and exactly one member. A group literal keeps its
// name, and its members are expanded recursively.
type Group struct {
	Name    string
	Members []*mail.Address
}

// IsGroup reports whether the entry was written with group syntax.
func (g Group) IsGroup() bool {
	return g.Name != ""
}

// ParseList parses a comma-separated address header into its entries.
// An empty or blank header yields no entries and no error.
func ParseList(header string) ([]Group, error) {
	var result []Group

	rest := header
	for strings.TrimSpace(rest) != "" {
		i, delim, err := scanTo(rest, ",:")
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrAddressFormat, header, err)
		}

		if delim == ':' {
			name := strings.TrimSpace(rest[:i])
			if name == "" {
				return nil, fmt.Errorf("%w: %q: group without a name", ErrAddressFormat, header)
			}
			body, after, err := groupBody(rest[i+1:])
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrAddressFormat, header, err)
			}
			members, err := expand(body)
			if err != nil {
				return nil, err
			}
			result = append(result, Group{Name: name, Members: members})

			after = strings.TrimSpace(after)
			if after != "" && after[0] != ',' {
				return nil, fmt.Errorf("%w: %q: unexpected text after group %q", ErrAddressFormat, header, name)
			}
			rest = strings.TrimPrefix(after, ",")
			continue
		}

		item := strings.TrimSpace(rest[:i])
		if item != "" {
			addr, err := mail.ParseAddress(item)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrAddressFormat, item, err)
			}
			result = append(result, Group{Members: []*mail.Address{addr}})
		}
		if i >= len(rest) {
			break
		}
		rest = rest[i+1:]
	}

	return result, nil
}

// ParseAddress parses exactly one individual address. Group syntax and
// lists are rejected.
func ParseAddress(s string) (*mail.Address, error) {
	groups, err := ParseList(s)
	if err != nil {
		return nil, err
	}
	if len(groups) != 1 || groups[0].IsGroup() || len(groups[0].Members) != 1 {
		return nil, fmt.Errorf("%w: %q: a single address is required", ErrAddressFormat, s)
	}
	return groups[0].Members[0], nil
}

// Flatten returns the members of all entries in order.
func Flatten(groups []Group) []*mail.Address {
	var out []*mail.Address
	for _, g := range groups {
		out = append(out, g.Members...)
	}
	return out
}

// expand parses a group body and flattens any nested groups into members.
func expand(body string) ([]*mail.Address, error) {
	nested, err := ParseList(body)
	if err != nil {
		return nil, err
	}
	return Flatten(nested), nil
}

// groupBody returns the text up to the semicolon closing the current group
// and the text following it. Nested group literals are balanced.
func groupBody(s string) (string, string, error) {
	depth := 1
	offset := 0
	for {
		i, delim, err := scanTo(s[offset:], ":;")
		if err != nil {
			return "", "", err
		}
		if delim == 0 {
			return "", "", errors.New("unterminated group")
		}
		pos := offset + i
		if delim == ':' {
			depth++
		} else {
			depth--
			if depth == 0 {
				return s[:pos], s[pos+1:], nil
			}
		}
		offset = pos + 1
	}
}

// scanTo returns the index of the first delimiter from delims found outside
// quoted strings, comments, angle addresses and domain literals. When no
// delimiter is found it returns len(s) and a zero delimiter.
func scanTo(s, delims string) (int, byte, error) {
	var (
		quoted  bool
		comment int
		angle   bool
		literal bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quoted:
			if c == '\\' {
				i++
			} else if c == '"' {
				quoted = false
			}
		case comment > 0:
			if c == '\\' {
				i++
			} else if c == '(' {
				comment++
			} else if c == ')' {
				comment--
			}
		case literal:
			if c == ']' {
				literal = false
			}
		case angle:
			if c == '>' {
				angle = false
			} else if c == '"' {
				quoted = true
			} else if c == '[' {
				literal = true
			}
		default:
			switch c {
			case '"':
				quoted = true
			case '(':
				comment = 1
			case '<':
				angle = true
			case '[':
				literal = true
			default:
				if strings.IndexByte(delims, c) >= 0 {
					return i, c, nil
				}
			}
		}
	}

	switch {
	case quoted:
		return 0, 0, errors.New("unterminated quoted string")
	case comment > 0:
		return 0, 0, errors.New("unterminated comment")
	case angle:
		return 0, 0, errors.New("unterminated angle address")
	case literal:
		return 0, 0, errors.New("unterminated domain literal")
	}
	return len(s), 0, nil
}
