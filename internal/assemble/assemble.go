package assemble

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/shineum/mailfanout/internal/message"
)

// ErrResourceNotFound matches any ResourceNotFoundError.
var ErrResourceNotFound = errors.New("resource not found")

// ResourceNotFoundError reports a cid: reference in the HTML body with no
// matching attachment.
type ResourceNotFoundError struct {
	ContentID string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource not found: no attachment for cid:%s", e.ContentID)
}

func (e *ResourceNotFoundError) Is(target error) bool {
	return target == ErrResourceNotFound
}

// Assembler builds MIME trees from message content.
type Assembler struct {
	now func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock sets the clock used to fill date elements.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{now: nowUTC}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the MIME tree for c using a default Assembler.
func Assemble(c message.Content) (*Part, error) {
	return New().Assemble(c)
}

// Assemble builds the MIME tree for c:
//
//   - related: the prepared HTML followed by the referenced inline
//     attachments in first-reference order
//   - alternative: [plaintext, related], only when a plaintext body is set
//   - mixed: [previous unit, non-inline attachments sorted by content id],
//     only when a non-inline attachment exists
//
// A cid: reference without a matching attachment fails with a
// ResourceNotFoundError and no tree.
func (a *Assembler) Assemble(c message.Content) (*Part, error) {
	atts := c.Attachments()

	body, refs, err := a.prepareBody(c, atts)
	if err != nil {
		return nil, err
	}

	related := &Part{Kind: KindRelated, Children: []*Part{{Kind: KindHTML, Text: body}}}
	for _, cid := range refs {
		att := atts[cid]
		if !att.IsInline() {
			continue
		}
		related.Children = append(related.Children, &Part{Kind: KindAttachment, Attachment: att})
	}

	top := related
	if text := c.PlaintextBody(); text != "" {
		top = &Part{
			Kind:     KindAlternative,
			Children: []*Part{{Kind: KindPlaintext, Text: text}, related},
		}
	}

	var files []*message.Attachment
	for _, att := range atts {
		if !att.IsInline() {
			files = append(files, att)
		}
	}
	if len(files) > 0 {
		sort.Slice(files, func(i, j int) bool { return files[i].ContentID() < files[j].ContentID() })
		mixed := &Part{Kind: KindMixed, Children: []*Part{top}}
		for _, att := range files {
			mixed.Children = append(mixed.Children, &Part{Kind: KindAttachment, Attachment: att})
		}
		top = mixed
	}

	return top, nil
}

func (a *Assembler) prepareBody(c message.Content, atts map[string]*message.Attachment) (string, []string, error) {
	doc, err := html.Parse(strings.NewReader(c.Body()))
	if err != nil {
		return "", nil, fmt.Errorf("parse html body: %w", err)
	}
	refs, err := a.prepare(doc, c.Subject(), atts)
	if err != nil {
		return "", nil, err
	}
	body, err := render(doc)
	if err != nil {
		return "", nil, fmt.Errorf("render html body: %w", err)
	}
	return body, refs, nil
}

// FlatHTML returns the prepared HTML body with every cid: reference
// replaced by a data: URL carrying the attachment bytes.
func (a *Assembler) FlatHTML(c message.Content) (string, error) {
	atts := c.Attachments()

	doc, err := html.Parse(strings.NewReader(c.Body()))
	if err != nil {
		return "", fmt.Errorf("parse html body: %w", err)
	}
	if _, err := a.prepare(doc, c.Subject(), atts); err != nil {
		return "", err
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for i, attr := range n.Attr {
				if cid, ok := cidOf(attr.Val); ok {
					n.Attr[i].Val = dataURL(atts[cid])
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return render(doc)
}

func dataURL(att *message.Attachment) string {
	var sb strings.Builder
	sb.WriteString("data:")
	sb.WriteString(att.ContentType())
	sb.WriteString(";base64,")
	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	_, _ = io.Copy(enc, att.Reader())
	_ = enc.Close()
	return sb.String()
}
