package stdout

import (
	"bytes"
	"context"
	"net/mail"
	"strings"
	"testing"

	"github.com/shineum/mailfanout/internal/assemble"
	"github.com/shineum/mailfanout/internal/message"
	"github.com/shineum/mailfanout/internal/transport"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRfake")

func envelopeFor(t *testing.T, tmpl *message.Template) *transport.Envelope {
	t.Helper()
	root, err := assemble.Assemble(tmpl)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return &transport.Envelope{
		From:    &mail.Address{Address: "sender@example.com"},
		To:      []*mail.Address{{Address: "alice@example.com"}, {Address: "bob@example.com"}},
		Subject: tmpl.Subject(),
		Body:    root,
	}
}

func newTemplate(t *testing.T, body string) *message.Template {
	t.Helper()
	tmpl, err := message.NewTemplate("ref", "name", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tmpl.SetSubject("Monthly Report"); err != nil {
		t.Fatal(err)
	}
	if err := tmpl.SetBody(body); err != nil {
		t.Fatal(err)
	}
	return tmpl
}

func TestSend_HTMLOnly(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	tmpl := newTemplate(t, "<p>Please find the <b>report</b> &amp; notes.</p>")
	if err := p.Send(context.Background(), envelopeFor(t, tmpl)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"From: <sender@example.com>",
		"To: alice@example.com, bob@example.com",
		"Subject: Monthly Report",
		"Please find the report & notes.",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "<p>") {
		t.Error("HTML tags should be stripped from the body")
	}
	if strings.Contains(output, "Cc:") || strings.Contains(output, "Attachments:") {
		t.Error("output should not contain empty Cc or Attachments lines")
	}
	if !strings.HasPrefix(output, "========================================\n") {
		t.Error("output should start with separator line")
	}
}

func TestSend_PrefersPlaintext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	tmpl := newTemplate(t, "<p>rich version</p>")
	if err := tmpl.SetPlaintextBody("plain version"); err != nil {
		t.Fatal(err)
	}
	if err := p.Send(context.Background(), envelopeFor(t, tmpl)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "plain version") {
		t.Errorf("expected plaintext body, got:\n%s", output)
	}
	if strings.Contains(output, "rich version") {
		t.Error("HTML body should not be printed when plaintext exists")
	}
}

func TestSend_CcBccAndAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	tmpl := newTemplate(t, `<p>Logo <img src="cid:logo"></p>`)
	logo, err := message.NewAttachment("logo", "logo.png", "image/png", pngBytes, message.DispositionInline, "Logo")
	if err != nil {
		t.Fatal(err)
	}
	doc, err := message.NewAttachment("doc", "report.pdf", "application/pdf", make([]byte, 2048), message.DispositionAttachment, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range []*message.Attachment{logo, doc} {
		if err := tmpl.AddAttachment(a); err != nil {
			t.Fatal(err)
		}
	}

	env := envelopeFor(t, tmpl)
	env.Cc = []*mail.Address{{Address: "carol@example.com"}}
	env.Bcc = []*mail.Address{{Address: "dave@example.com"}}

	if err := p.Send(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"Cc: carol@example.com",
		"Bcc: dave@example.com",
		"Inline: logo.png (image/png",
		"Attachments: report.pdf (application/pdf, 2.0 KB)",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestSend_NoBody(t *testing.T) {
	t.Parallel()

	p := NewWithWriter(&bytes.Buffer{})
	if err := p.Send(context.Background(), &transport.Envelope{}); err == nil {
		t.Error("expected error for envelope without body")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New().Name(); got != "stdout" {
		t.Errorf("Name(): got %q, want %q", got, "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
	}

	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestTransportInterface(t *testing.T) {
	t.Parallel()

	var _ transport.Transport = (*Transport)(nil)
}
