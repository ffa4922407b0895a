package message

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/shineum/mailfanout/internal/distribution"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// Template is a stand-alone message. Its fields are used exactly as set.
type Template struct {
	base
}

// NewTemplate creates an empty template. The distribution may be set later
// with SetDistribution, but must be present before dispatch.
func NewTemplate(refid, name string, dist *distribution.List, opts ...Option) (*Template, error) {
	t := &Template{}
	if err := t.init(refid, name, dist, opts); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Template) Subject() string       { return t.ownSubject() }
func (t *Template) Body() string          { return t.ownBody() }
func (t *Template) PlaintextBody() string { return t.ownPlaintext() }

// Attachments returns a copy of the attachment map keyed by content id.
func (t *Template) Attachments() map[string]*Attachment {
	return t.ownAttachments()
}
