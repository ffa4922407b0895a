// Package transport defines the delivery backends a dispatch hands its
// assembled batches to.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailfanout/internal/assemble"
)

// Transport is the interface that delivery backends must implement.
//
// Send returns nil when every recipient was accepted, a *SendFailedError
// when the backend accepted some recipients and rejected others, and any
// other error when nothing was delivered.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error

	// Name returns the human-readable name of this transport.
	Name() string
}

// Envelope is one batch ready for delivery.
type Envelope struct {
	From        *mail.Address
	To          []*mail.Address
	Cc          []*mail.Address
	Bcc         []*mail.Address
	Subject     string
	Description string
	MessageID   string
	Date        time.Time
	Body        *assemble.Part
}

// Recipients returns the distinct recipients across all roles.
func (e *Envelope) Recipients() []*mail.Address {
	seen := make(map[string]bool)
	var out []*mail.Address
	for _, list := range [][]*mail.Address{e.To, e.Cc, e.Bcc} {
		for _, a := range list {
			k := strings.ToLower(a.Address)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, a)
		}
	}
	return out
}

// Empty reports whether the envelope has no recipients.
func (e *Envelope) Empty() bool {
	return len(e.To) == 0 && len(e.Cc) == 0 && len(e.Bcc) == 0
}

// Without returns a copy of the envelope with the given addresses removed
// from every role. The body is shared.
func (e *Envelope) Without(addrs ...string) *Envelope {
	drop := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		drop[strings.ToLower(a)] = true
	}
	filter := func(list []*mail.Address) []*mail.Address {
		var out []*mail.Address
		for _, a := range list {
			if !drop[strings.ToLower(a.Address)] {
				out = append(out, a)
			}
		}
		return out
	}

	c := *e
	c.To = filter(e.To)
	c.Cc = filter(e.Cc)
	c.Bcc = filter(e.Bcc)
	return &c
}

// Render produces the RFC 5322 bytes of the envelope.
func (e *Envelope) Render(includeBcc bool) ([]byte, error) {
	if e.Body == nil {
		return nil, errors.New("envelope has no body")
	}
	var buf bytes.Buffer
	err := assemble.Render(&buf, assemble.Headers{
		From:        e.From,
		To:          e.To,
		Cc:          e.Cc,
		Bcc:         e.Bcc,
		Subject:     e.Subject,
		Description: e.Description,
		MessageID:   e.MessageID,
		Date:        e.Date,
		IncludeBcc:  includeBcc,
	}, e.Body)
	if err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), nil
}

// NewMessageID returns a unique Message-ID in the sender's domain.
func NewMessageID(from *mail.Address) string {
	domain := "localhost"
	if from != nil {
		if i := strings.LastIndexByte(from.Address, '@'); i >= 0 && i < len(from.Address)-1 {
			domain = from.Address[i+1:]
		}
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Addresses returns the bare addresses of list.
func Addresses(list []*mail.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
