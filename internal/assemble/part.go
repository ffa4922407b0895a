// Package assemble turns message content into a MIME part tree and renders
// that tree as an RFC 5322 message.
package assemble

import "github.com/shineum/mailfanout/internal/message"

// Kind identifies the role of a part in the tree.
type Kind int

const (
	KindHTML Kind = iota
	KindPlaintext
	KindAttachment
	KindRelated
	KindAlternative
	KindMixed
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindPlaintext:
		return "plaintext"
	case KindAttachment:
		return "attachment"
	case KindRelated:
		return "related"
	case KindAlternative:
		return "alternative"
	case KindMixed:
		return "mixed"
	}
	return "unknown"
}

// Part is a node of the MIME tree. Leaves carry Text or Attachment;
// multipart nodes carry Children.
type Part struct {
	Kind       Kind
	Text       string
	Attachment *message.Attachment
	Children   []*Part
}

// IsMultipart reports whether the part is a container.
func (p *Part) IsMultipart() bool {
	switch p.Kind {
	case KindRelated, KindAlternative, KindMixed:
		return true
	}
	return false
}

// MediaType returns the bare media type of the part.
func (p *Part) MediaType() string {
	switch p.Kind {
	case KindHTML:
		return "text/html"
	case KindPlaintext:
		return "text/plain"
	case KindAttachment:
		return p.Attachment.ContentType()
	case KindRelated:
		return "multipart/related"
	case KindAlternative:
		return "multipart/alternative"
	case KindMixed:
		return "multipart/mixed"
	}
	return "application/octet-stream"
}

// Find returns the first part of the given kind in depth-first order.
func (p *Part) Find(kind Kind) *Part {
	if p.Kind == kind {
		return p
	}
	for _, c := range p.Children {
		if found := c.Find(kind); found != nil {
			return found
		}
	}
	return nil
}

// Attachments returns the attachment leaves in depth-first order.
func (p *Part) Attachments() []*message.Attachment {
	var out []*message.Attachment
	if p.Kind == KindAttachment {
		out = append(out, p.Attachment)
	}
	for _, c := range p.Children {
		out = append(out, c.Attachments()...)
	}
	return out
}
