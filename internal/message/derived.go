package message

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ContentElementID is the id of the template element a derived body is
// spliced into.
const ContentElementID = "content"

// Derived is a message built on a template. Unset fields fall through to
// the template; the template is never modified.
type Derived struct {
	base
	template *Template
}

// NewDerived creates a message on top of tmpl. The template's distribution
// is deep-copied so recipient edits stay local to the derived message.
func NewDerived(refid, name string, tmpl *Template, opts ...Option) (*Derived, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("%w: template is required", ErrInvalidArgument)
	}
	d := &Derived{template: tmpl}
	dist := tmpl.Distribution()
	if dist != nil {
		dist = dist.Clone()
	}
	if err := d.init(refid, name, dist, opts); err != nil {
		return nil, err
	}
	return d, nil
}

// Template returns the template this message is built on.
func (d *Derived) Template() *Template {
	return d.template
}

// Subject returns the override, or the template subject when unset.
func (d *Derived) Subject() string {
	if s := d.ownSubject(); s != "" {
		return s
	}
	return d.template.Subject()
}

// PlaintextBody returns the override, or the template plaintext when unset.
func (d *Derived) PlaintextBody() string {
	if s := d.ownPlaintext(); s != "" {
		return s
	}
	return d.template.PlaintextBody()
}

// Body returns the template body with the override placed inside the
// element whose id is "content". Without such an element the override is
// the whole body. Without an override the template body is used as is.
func (d *Derived) Body() string {
	own := d.ownBody()
	tmpl := d.template.Body()
	if own == "" {
		return tmpl
	}
	if tmpl == "" {
		return own
	}
	spliced, ok := splice(tmpl, own)
	if !ok {
		return own
	}
	return spliced
}

// OwnBody returns the override body without splicing.
func (d *Derived) OwnBody() string {
	return d.ownBody()
}

// Attachments returns the union of template and own attachments. Own
// attachments win on a content id collision.
func (d *Derived) Attachments() map[string]*Attachment {
	merged := d.template.Attachments()
	for cid, a := range d.ownAttachments() {
		merged[cid] = a
	}
	return merged
}

// LastChanged is the later of the template's and this message's changes.
func (d *Derived) LastChanged() time.Time {
	own := d.base.LastChanged()
	if t := d.template.LastChanged(); t.After(own) {
		return t
	}
	return own
}

func splice(page, fragment string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", false
	}
	target := findByID(doc, ContentElementID)
	if target == nil {
		return "", false
	}

	parent := target
	if target.DataAtom == 0 {
		parent = &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return "", false
	}

	for c := target.FirstChild; c != nil; {
		next := c.NextSibling
		target.RemoveChild(c)
		c = next
	}
	for _, n := range nodes {
		target.AppendChild(n)
	}

	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		return "", false
	}
	return sb.String(), true
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}
