// Package message defines the content and addressing of a dispatchable
// email: templates and the derived messages built from them.
package message

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shineum/mailfanout/internal/distribution"
	"github.com/shineum/mailfanout/internal/ledger"
)

// ErrInvalidArgument is returned for missing or malformed input.
var ErrInvalidArgument = errors.New("invalid argument")

// Content is what the assembler needs to build a MIME tree.
type Content interface {
	Subject() string
	Body() string
	PlaintextBody() string
	Attachments() map[string]*Attachment
}

// Message is a dispatchable message.
type Message interface {
	Content
	RefID() string
	Name() string
	Distribution() *distribution.List
	Ledger() *ledger.Ledger
	LastChanged() time.Time
}

// Option configures a new message.
type Option func(*base)

// WithLedger attaches an existing ledger, for example one loaded from a
// store, instead of starting empty.
func WithLedger(l *ledger.Ledger) Option {
	return func(b *base) {
		if l != nil {
			b.ledger = l
		}
	}
}

// base holds the fields shared by templates and derived messages.
type base struct {
	refid  string
	name   string
	ledger *ledger.Ledger

	mu          sync.RWMutex
	dist        *distribution.List
	subject     string
	body        string
	plaintext   string
	attachments map[string]*Attachment
	lastChanged time.Time
}

func (b *base) init(refid, name string, dist *distribution.List, opts []Option) error {
	if strings.TrimSpace(refid) == "" {
		return fmt.Errorf("%w: refid is required", ErrInvalidArgument)
	}
	b.refid = refid
	b.name = name
	b.ledger = ledger.New()
	b.dist = dist
	b.attachments = make(map[string]*Attachment)
	b.lastChanged = time.Now()
	for _, opt := range opts {
		opt(b)
	}
	return nil
}

func (b *base) RefID() string          { return b.refid }
func (b *base) Name() string           { return b.name }
func (b *base) Ledger() *ledger.Ledger { return b.ledger }

func (b *base) Distribution() *distribution.List {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dist
}

// SetDistribution replaces the distribution list.
func (b *base) SetDistribution(d *distribution.List) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dist = d
}

// LastChanged returns the time of the last content change.
func (b *base) LastChanged() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastChanged
}

// SetSubject sets the subject line. Empty subjects and line breaks are
// rejected.
func (b *base) SetSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidArgument)
	}
	if strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("%w: subject contains a line break", ErrInvalidArgument)
	}
	b.set(&b.subject, subject)
	return nil
}

// SetBody sets the HTML body.
func (b *base) SetBody(body string) error {
	if err := checkText("body", body); err != nil {
		return err
	}
	b.set(&b.body, body)
	return nil
}

// SetPlaintextBody sets the plaintext alternative.
func (b *base) SetPlaintextBody(text string) error {
	if err := checkText("plaintext body", text); err != nil {
		return err
	}
	b.set(&b.plaintext, text)
	return nil
}

// ClearPlaintextBody removes the plaintext alternative.
func (b *base) ClearPlaintextBody() {
	b.set(&b.plaintext, "")
}

// SetBodyMarkdown renders markdown to HTML and sets it as the body. The
// markdown source becomes the plaintext alternative.
func (b *base) SetBodyMarkdown(md string) error {
	if err := checkText("markdown body", md); err != nil {
		return err
	}
	html, err := renderMarkdown(md)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.body != html || b.plaintext != md {
		b.body = html
		b.plaintext = md
		b.lastChanged = time.Now()
	}
	return nil
}

// BodyReplaceAll replaces every match of the regular expression pattern in
// the HTML body. The replacement may refer to submatches as in
// regexp.Regexp.ReplaceAllString.
func (b *base) BodyReplaceAll(pattern, replacement string) error {
	if pattern == "" {
		return fmt.Errorf("%w: replacement pattern is required", ErrInvalidArgument)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: bad replacement pattern: %v", ErrInvalidArgument, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if body := re.ReplaceAllString(b.body, replacement); body != b.body {
		b.body = body
		b.lastChanged = time.Now()
	}
	return nil
}

// AddAttachment registers an attachment under its content id. Adding the
// same attachment twice is a no-op; a different attachment under a known id
// is rejected.
func (b *base) AddAttachment(a *Attachment) error {
	if a == nil {
		return fmt.Errorf("%w: attachment is required", ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.attachments[a.ContentID()]; ok {
		if existing.Equal(a) {
			return nil
		}
		return fmt.Errorf("%w: content id %q already holds a different attachment", ErrInvalidArgument, a.ContentID())
	}
	b.attachments[a.ContentID()] = a
	b.lastChanged = time.Now()
	return nil
}

// RemoveAttachment drops the attachment with the given content id.
func (b *base) RemoveAttachment(contentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.attachments[contentID]; !ok {
		return false
	}
	delete(b.attachments, contentID)
	b.lastChanged = time.Now()
	return true
}

func (b *base) set(field *string, v string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if *field == v {
		return
	}
	*field = v
	b.lastChanged = time.Now()
}

func (b *base) ownSubject() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subject
}

func (b *base) ownBody() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.body
}

func (b *base) ownPlaintext() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.plaintext
}

func (b *base) ownAttachments() map[string]*Attachment {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*Attachment, len(b.attachments))
	for k, v := range b.attachments {
		out[k] = v
	}
	return out
}

func checkText(what, s string) error {
	if s == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, what)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidArgument, what)
	}
	return nil
}

// Compare orders messages by reference id, ignoring case.
func Compare(a, b Message) int {
	return strings.Compare(strings.ToLower(a.RefID()), strings.ToLower(b.RefID()))
}
