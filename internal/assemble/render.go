package assemble

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// Headers are the message-level header fields written ahead of the tree.
type Headers struct {
	From        *mail.Address
	To          []*mail.Address
	Cc          []*mail.Address
	Bcc         []*mail.Address
	Subject     string
	Description string
	MessageID   string
	Date        time.Time

	// IncludeBcc writes a Bcc header. Only transports that derive the
	// recipient list from the message itself need it.
	IncludeBcc bool
}

// Render writes h and the tree rooted at root as an RFC 5322 message with
// CRLF line endings.
func Render(w io.Writer, h Headers, root *Part) error {
	bw := bufio.NewWriter(w)

	if h.From != nil {
		writeHeader(bw, "From", h.From.String())
	}
	writeAddressHeader(bw, "To", h.To)
	writeAddressHeader(bw, "Cc", h.Cc)
	if h.IncludeBcc {
		writeAddressHeader(bw, "Bcc", h.Bcc)
	}
	writeHeader(bw, "Subject", mime.QEncoding.Encode("utf-8", h.Subject))
	if h.Description != "" {
		writeHeader(bw, "Content-Description", mime.QEncoding.Encode("utf-8", h.Description))
	}
	if h.MessageID != "" {
		writeHeader(bw, "Message-ID", h.MessageID)
	}
	date := h.Date
	if date.IsZero() {
		date = time.Now()
	}
	writeHeader(bw, "Date", date.Format(time.RFC1123Z))
	writeHeader(bw, "MIME-Version", "1.0")

	boundary := newBoundary(root)
	ph := partHeader(root, boundary)
	keys := make([]string, 0, len(ph))
	for key := range ph {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, v := range ph[key] {
			writeHeader(bw, key, v)
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}

	if err := writeBody(bw, root, boundary); err != nil {
		return err
	}
	return bw.Flush()
}

func writeHeader(w *bufio.Writer, key, value string) {
	w.WriteString(key)
	w.WriteString(": ")
	w.WriteString(value)
	w.WriteString("\r\n")
}

// writeAddressHeader folds one address per line so large recipient lists
// stay within the line length limit.
func writeAddressHeader(w *bufio.Writer, key string, addrs []*mail.Address) {
	if len(addrs) == 0 {
		return
	}
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	writeHeader(w, key, strings.Join(parts, ",\r\n "))
}

func newBoundary(p *Part) string {
	if !p.IsMultipart() {
		return ""
	}
	return multipart.NewWriter(io.Discard).Boundary()
}

func partHeader(p *Part, boundary string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	switch p.Kind {
	case KindHTML, KindPlaintext:
		h.Set("Content-Type", mime.FormatMediaType(p.MediaType(), map[string]string{"charset": "utf-8"}))
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	case KindAttachment:
		att := p.Attachment
		h.Set("Content-Type", mime.FormatMediaType(att.ContentType(), map[string]string{"name": att.Filename()}))
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-ID", "<"+att.ContentID()+">")
		if desc := att.Description(); desc != "" {
			h.Set("Content-Description", mime.QEncoding.Encode("utf-8", desc))
		}
		if !att.IsInline() {
			h.Set("Content-Disposition", mime.FormatMediaType(string(att.Disposition()), map[string]string{"filename": att.Filename()}))
		}
	default:
		h.Set("Content-Type", mime.FormatMediaType(p.MediaType(), map[string]string{"boundary": boundary}))
	}
	return h
}

func writeBody(w io.Writer, p *Part, boundary string) error {
	switch p.Kind {
	case KindHTML, KindPlaintext:
		qp := quotedprintable.NewWriter(w)
		if _, err := io.WriteString(qp, p.Text); err != nil {
			return fmt.Errorf("write %s part: %w", p.Kind, err)
		}
		return qp.Close()

	case KindAttachment:
		lw := &lineWriter{w: w}
		enc := base64.NewEncoder(base64.StdEncoding, lw)
		if _, err := io.Copy(enc, p.Attachment.Reader()); err != nil {
			return fmt.Errorf("write attachment %s: %w", p.Attachment.ContentID(), err)
		}
		if err := enc.Close(); err != nil {
			return err
		}
		return lw.Close()
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return fmt.Errorf("set boundary: %w", err)
	}
	for _, child := range p.Children {
		childBoundary := newBoundary(child)
		pw, err := mw.CreatePart(partHeader(child, childBoundary))
		if err != nil {
			return fmt.Errorf("create %s part: %w", child.Kind, err)
		}
		if err := writeBody(pw, child, childBoundary); err != nil {
			return err
		}
	}
	return mw.Close()
}

// lineWriter breaks base64 output into 76-column lines.
type lineWriter struct {
	w   io.Writer
	col int
}

const lineLength = 76

func (l *lineWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := lineLength - l.col
		if n > len(p) {
			n = len(p)
		}
		if _, err := l.w.Write(p[:n]); err != nil {
			return written, err
		}
		written += n
		l.col += n
		p = p[n:]
		if l.col == lineLength {
			if _, err := io.WriteString(l.w, "\r\n"); err != nil {
				return written, err
			}
			l.col = 0
		}
	}
	return written, nil
}

// Close terminates a partial last line.
func (l *lineWriter) Close() error {
	if l.col == 0 {
		return nil
	}
	l.col = 0
	_, err := io.WriteString(l.w, "\r\n")
	return err
}
