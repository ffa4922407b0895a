package assemble

import (
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/shineum/mailfanout/internal/message"
)

// DefaultDateLayout is used for date elements whose format attribute
// contains no layout tokens.
const DefaultDateLayout = "January 2, 2006"

// cidOf returns the content id referenced by an attribute value of the form
// "cid:<id>".
func cidOf(val string) (string, bool) {
	val = strings.TrimSpace(val)
	if len(val) < 4 || !strings.EqualFold(val[:4], "cid:") {
		return "", false
	}
	id := val[4:]
	if u, err := url.PathUnescape(id); err == nil {
		id = u
	}
	id = strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
	return id, id != ""
}

// prepare rewrites the parsed body in place and returns the content ids it
// references, in first-reference order.
func (a *Assembler) prepare(doc *html.Node, subject string, atts map[string]*message.Attachment) ([]string, error) {
	removeComments(doc)
	setTitle(doc, subject)

	var (
		refs []string
		seen = make(map[string]bool)
		err  error
	)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if err != nil {
			return
		}
		if n.Type == html.ElementNode {
			for _, attr := range n.Attr {
				cid, ok := cidOf(attr.Val)
				if !ok {
					continue
				}
				att, found := atts[cid]
				if !found {
					err = &ResourceNotFoundError{ContentID: cid}
					return
				}
				if !seen[cid] {
					seen[cid] = true
					refs = append(refs, cid)
				}
				if n.DataAtom == atom.Img && attr.Key == "src" {
					decorateImage(n, att)
				}
			}

			switch {
			case n.DataAtom == atom.Table:
				appendStyle(n, "border-spacing:", "border-spacing:0;")
			case hasClass(n, "date"):
				if layout, ok := getAttr(n, "format"); ok {
					a.fillDate(n, layout)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (a *Assembler) fillDate(n *html.Node, layout string) {
	now := a.now()
	text := now.Format(layout)
	if layout == "" || text == layout {
		text = now.Format(DefaultDateLayout)
	}
	replaceChildren(n, &html.Node{Type: html.TextNode, Data: text})
}

func decorateImage(n *html.Node, att *message.Attachment) {
	if desc := att.Description(); desc != "" {
		setAttr(n, "alt", desc)
	}
	appendStyle(n, "display:", "display:block;")
}

func removeComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			removeComments(c)
		}
		c = next
	}
}

// setTitle replaces the text of the first <title>. Documents without one are
// left alone.
func setTitle(doc *html.Node, subject string) {
	title := findElement(doc, atom.Title)
	if title == nil {
		return
	}
	replaceChildren(title, &html.Node{Type: html.TextNode, Data: subject})
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func replaceChildren(n *html.Node, child *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(child)
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// appendStyle adds decl to the inline style unless the style already sets
// property.
func appendStyle(n *html.Node, property, decl string) {
	style, _ := getAttr(n, "style")
	if strings.Contains(strings.ToLower(strings.ReplaceAll(style, " ", "")), property) {
		return
	}
	style = strings.TrimSpace(style)
	if style != "" && !strings.HasSuffix(style, ";") {
		style += ";"
	}
	setAttr(n, "style", style+decl)
}

func hasClass(n *html.Node, class string) bool {
	v, ok := getAttr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

func render(doc *html.Node) (string, error) {
	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
