// Package stdout implements a Transport that prints assembled batches to
// standard output.
package stdout

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"os"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/microcosm-cc/bluemonday"

	"github.com/shineum/mailfanout/internal/transport"
)

var strict = bluemonday.StrictPolicy()

// Transport prints each batch in a human-readable format. The rendered
// MIME is parsed back, so the summary shows what a real backend would get.
type Transport struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a Transport that writes to the given writer.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}

// Send prints env. Only rendering and parse errors are reported.
func (t *Transport) Send(_ context.Context, env *transport.Envelope) error {
	raw, err := env.Render(true)
	if err != nil {
		return err
	}
	parsed, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse rendered message: %w", err)
	}

	var b strings.Builder
	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", parsed.GetHeader("From"))
	fmt.Fprintf(&b, "To: %s\n", strings.Join(transport.Addresses(env.To), ", "))
	if len(env.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(transport.Addresses(env.Cc), ", "))
	}
	if len(env.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(transport.Addresses(env.Bcc), ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", parsed.GetHeader("Subject"))
	b.WriteString("Body:\n")
	b.WriteString(bodyText(parsed) + "\n")

	if inlines := describe(append(parsed.Inlines, parsed.OtherParts...)); len(inlines) > 0 {
		fmt.Fprintf(&b, "Inline: %s\n", strings.Join(inlines, ", "))
	}
	if atts := describe(parsed.Attachments); len(atts) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(atts, ", "))
	}
	b.WriteString("========================================\n")

	// Write errors are ignored; printing is best effort.
	fmt.Fprint(t.writer, b.String())
	return nil
}

// bodyText prefers a real text/plain part. enmime down-converts HTML when
// none exists, which keeps markup like tables as noise, so an HTML-only
// message is stripped with the strict policy instead.
func bodyText(env *enmime.Envelope) string {
	plain := env.Root.BreadthMatchFirst(func(p *enmime.Part) bool {
		return p.ContentType == "text/plain"
	})
	if plain != nil || env.HTML == "" {
		return strings.TrimSpace(env.Text)
	}
	text := html.UnescapeString(strict.Sanitize(env.HTML))
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func describe(parts []*enmime.Part) []string {
	var out []string
	for _, p := range parts {
		name := p.FileName
		if name == "" {
			name = p.ContentID
		}
		out = append(out, fmt.Sprintf("%s (%s, %s)", name, p.ContentType, formatSize(len(p.Content))))
	}
	return out
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
