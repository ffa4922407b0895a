package assemble

import (
	"bytes"
	"errors"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailfanout/internal/message"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRfake")

func newContent(t *testing.T, body string) *message.Template {
	t.Helper()
	tmpl, err := message.NewTemplate("ref", "name", nil)
	require.NoError(t, err)
	require.NoError(t, tmpl.SetSubject("Monthly report"))
	require.NoError(t, tmpl.SetBody(body))
	return tmpl
}

func addAttachment(t *testing.T, tmpl *message.Template, cid string, disp message.Disposition) {
	t.Helper()
	a, err := message.NewAttachment(cid, cid+".png", "image/png", pngBytes, disp, "desc "+cid)
	require.NoError(t, err)
	require.NoError(t, tmpl.AddAttachment(a))
}

func kinds(parts []*Part) []Kind {
	out := make([]Kind, len(parts))
	for i, p := range parts {
		out[i] = p.Kind
	}
	return out
}

func TestAssembleHTMLOnly(t *testing.T) {
	t.Parallel()

	root, err := Assemble(newContent(t, "<p>hello</p>"))
	require.NoError(t, err)

	assert.Equal(t, KindRelated, root.Kind)
	assert.Equal(t, []Kind{KindHTML}, kinds(root.Children))
	assert.Contains(t, root.Children[0].Text, "<p>hello</p>")
}

func TestAssembleWithPlaintext(t *testing.T) {
	t.Parallel()

	c := newContent(t, "<p>hello</p>")
	require.NoError(t, c.SetPlaintextBody("hello"))

	root, err := Assemble(c)
	require.NoError(t, err)

	assert.Equal(t, KindAlternative, root.Kind)
	assert.Equal(t, []Kind{KindPlaintext, KindRelated}, kinds(root.Children))
	assert.Equal(t, "hello", root.Children[0].Text)
}

func TestAssembleMixed(t *testing.T) {
	t.Parallel()

	c := newContent(t, `<img src="cid:logo"><p>see attached</p>`)
	addAttachment(t, c, "logo", message.DispositionInline)
	addAttachment(t, c, "zreport", message.DispositionAttachment)
	addAttachment(t, c, "areport", message.DispositionAttachment)
	require.NoError(t, c.SetPlaintextBody("see attached"))

	root, err := Assemble(c)
	require.NoError(t, err)

	require.Equal(t, KindMixed, root.Kind)
	assert.Equal(t, []Kind{KindAlternative, KindAttachment, KindAttachment}, kinds(root.Children))
	assert.Equal(t, "areport", root.Children[1].Attachment.ContentID())
	assert.Equal(t, "zreport", root.Children[2].Attachment.ContentID())

	related := root.Find(KindRelated)
	require.NotNil(t, related)
	assert.Equal(t, []Kind{KindHTML, KindAttachment}, kinds(related.Children))
	assert.Equal(t, "logo", related.Children[1].Attachment.ContentID())
}

func TestAssembleDropsUnreferencedInline(t *testing.T) {
	t.Parallel()

	c := newContent(t, "<p>no images</p>")
	addAttachment(t, c, "unused", message.DispositionInline)

	root, err := Assemble(c)
	require.NoError(t, err)
	assert.Equal(t, KindRelated, root.Kind)
	assert.Empty(t, root.Attachments())
}

func TestAssembleReferenceOrder(t *testing.T) {
	t.Parallel()

	c := newContent(t, `<img src="cid:b"><div style="x" background="cid:a"></div><img src="CID:b">`)
	addAttachment(t, c, "a", message.DispositionInline)
	addAttachment(t, c, "b", message.DispositionInline)

	root, err := Assemble(c)
	require.NoError(t, err)

	var cids []string
	for _, a := range root.Attachments() {
		cids = append(cids, a.ContentID())
	}
	assert.Equal(t, []string{"b", "a"}, cids)
}

func TestAssembleResourceNotFound(t *testing.T) {
	t.Parallel()

	c := newContent(t, `<img src="cid:missing">`)

	root, err := Assemble(c)
	assert.Nil(t, root)
	require.ErrorIs(t, err, ErrResourceNotFound)

	var rnf *ResourceNotFoundError
	require.True(t, errors.As(err, &rnf))
	assert.Equal(t, "missing", rnf.ContentID)
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
	a := New(WithClock(func() time.Time { return fixed }))

	c := newContent(t, `<html><head><title>old</title></head><body>
<!-- internal note -->
<span class="date big" format="2006-01-02">placeholder</span>
<span class="date" format="no tokens here">x</span>
<table style="width:100%"><tr><td>cell</td></tr></table>
<img src="cid:logo">
</body></html>`)
	addAttachment(t, c, "logo", message.DispositionInline)

	root, err := a.Assemble(c)
	require.NoError(t, err)
	body := root.Find(KindHTML).Text

	assert.NotContains(t, body, "internal note")
	assert.Contains(t, body, "<title>Monthly report</title>")
	assert.Contains(t, body, `format="2006-01-02">2024-03-05</span>`)
	assert.Contains(t, body, `>March 5, 2024</span>`)
	assert.Contains(t, body, `style="width:100%;border-spacing:0;"`)
	assert.Contains(t, body, `alt="desc logo"`)
	assert.Contains(t, body, `style="display:block;"`)
}

func TestPrepareWithoutTitle(t *testing.T) {
	t.Parallel()

	root, err := Assemble(newContent(t, "<p>x</p>"))
	require.NoError(t, err)
	assert.NotContains(t, root.Find(KindHTML).Text, "<title>")
}

func TestPrepareKeepsAuthorStyles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    string
		notWant string
	}{
		{
			name:    "table with spacing",
			body:    `<table style="border-spacing:4px"><tr><td>x</td></tr></table>`,
			want:    `style="border-spacing:4px"`,
			notWant: "border-spacing:0",
		},
		{
			name:    "table spacing with spaces and case",
			body:    `<table style="Border-Spacing: 2px"><tr><td>x</td></tr></table>`,
			want:    `style="Border-Spacing: 2px"`,
			notWant: "border-spacing:0",
		},
		{
			name:    "image with display",
			body:    `<img src="cid:logo" style="display:inline">`,
			want:    `style="display:inline"`,
			notWant: "display:block",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newContent(t, tt.body)
			addAttachment(t, c, "logo", message.DispositionInline)

			root, err := Assemble(c)
			require.NoError(t, err)
			body := root.Find(KindHTML).Text
			assert.Contains(t, body, tt.want)
			assert.NotContains(t, body, tt.notWant)
		})
	}
}

func TestFlatHTML(t *testing.T) {
	t.Parallel()

	c := newContent(t, `<img src="cid:logo">`)
	addAttachment(t, c, "logo", message.DispositionInline)

	out, err := New().FlatHTML(c)
	require.NoError(t, err)
	assert.Contains(t, out, `src="data:image/png;base64,`)
	assert.NotContains(t, out, "cid:")

	_, err = New().FlatHTML(newContent(t, `<img src="cid:nope">`))
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestRenderParsesBack(t *testing.T) {
	t.Parallel()

	c := newContent(t, `<p>Hello <img src="cid:logo"></p>`)
	addAttachment(t, c, "logo", message.DispositionInline)
	addAttachment(t, c, "report", message.DispositionAttachment)
	require.NoError(t, c.SetPlaintextBody("Hello"))

	root, err := Assemble(c)
	require.NoError(t, err)

	h := Headers{
		From:        &mail.Address{Name: "Sender", Address: "a@x.com"},
		To:          []*mail.Address{{Address: "b@x.com"}, {Address: "c@x.com"}},
		Cc:          []*mail.Address{{Address: "d@x.com"}},
		Bcc:         []*mail.Address{{Address: "hidden@x.com"}},
		Subject:     "Grüße",
		Description: "ref",
		MessageID:   "<id@x.com>",
		Date:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, h, root))
	assert.NotContains(t, buf.String(), "hidden@x.com")

	env, err := enmime.ReadEnvelope(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, "Grüße", env.GetHeader("Subject"))
	assert.Equal(t, "<id@x.com>", env.GetHeader("Message-ID"))
	assert.Contains(t, env.GetHeader("To"), "c@x.com")
	assert.Contains(t, env.HTML, "Hello")
	assert.Equal(t, "Hello", strings.TrimSpace(env.Text))

	// Related parts carry no Content-Disposition, so enmime files them
	// under OtherParts rather than Inlines.
	require.Len(t, env.OtherParts, 1)
	assert.Equal(t, "logo", env.OtherParts[0].ContentID)
	assert.Equal(t, pngBytes, env.OtherParts[0].Content)

	require.Len(t, env.Attachments, 1)
	assert.Equal(t, "report.png", env.Attachments[0].FileName)
}

func TestRenderIncludeBcc(t *testing.T) {
	t.Parallel()

	root, err := Assemble(newContent(t, "<p>x</p>"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Headers{
		From:       &mail.Address{Address: "a@x.com"},
		To:         []*mail.Address{{Address: "b@x.com"}},
		Bcc:        []*mail.Address{{Address: "hidden@x.com"}},
		Subject:    "s",
		IncludeBcc: true,
	}, root))
	assert.Contains(t, buf.String(), "Bcc: <hidden@x.com>\r\n")
}

func TestLineWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lw := &lineWriter{w: &buf}
	_, err := lw.Write(bytes.Repeat([]byte("A"), 100))
	require.NoError(t, err)
	_, err = lw.Write(bytes.Repeat([]byte("B"), 52))
	require.NoError(t, err)
	require.NoError(t, lw.Close())

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n")
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], 76)
	assert.Len(t, lines[1], 76)
}
