package message

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// Disposition controls whether an attachment is shown inline or as a file.
type Disposition string

const (
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

// Attachment is an immutable binary resource identified by its content id.
type Attachment struct {
	contentID   string
	filename    string
	contentType string
	data        []byte
	disposition Disposition
	description string
}

// NewAttachment builds an attachment. The content id may be given with or
// without angle brackets. An empty content type is detected from the file
// name, then from the data. An empty disposition means inline. An empty
// file name is generated from the content type.
func NewAttachment(contentID, filename, contentType string, data []byte, disposition Disposition, description string) (*Attachment, error) {
	contentID = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(contentID), "<"), ">")
	if contentID == "" {
		return nil, fmt.Errorf("%w: attachment content id is required", ErrInvalidArgument)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: attachment %q has no data", ErrInvalidArgument, contentID)
	}

	switch disposition {
	case "":
		disposition = DispositionInline
	case DispositionInline, DispositionAttachment:
	default:
		return nil, fmt.Errorf("%w: unknown disposition %q", ErrInvalidArgument, disposition)
	}

	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: content type %q: %v", ErrInvalidArgument, contentType, err)
	}

	if filename == "" {
		filename = defaultFilename(mediaType, time.Now())
	}

	return &Attachment{
		contentID:   contentID,
		filename:    filename,
		contentType: mediaType,
		data:        bytes.Clone(data),
		disposition: disposition,
		description: description,
	}, nil
}

func defaultFilename(mediaType string, now time.Time) string {
	ext := "bin"
	switch mediaType {
	case "image/png":
		ext = "png"
	case "image/jpeg":
		ext = "jpg"
	case "image/gif":
		ext = "gif"
	}
	return fmt.Sprintf("inline_%s.%s", now.UTC().Format("20060102150405"), ext)
}

func (a *Attachment) ContentID() string        { return a.contentID }
func (a *Attachment) Filename() string         { return a.filename }
func (a *Attachment) ContentType() string      { return a.contentType }
func (a *Attachment) Disposition() Disposition { return a.disposition }
func (a *Attachment) Description() string      { return a.description }
func (a *Attachment) Size() int                { return len(a.data) }

// IsInline reports whether the attachment is meant to be referenced from
// the HTML body.
func (a *Attachment) IsInline() bool {
	return a.disposition == DispositionInline
}

// Data returns a copy of the attachment bytes.
func (a *Attachment) Data() []byte {
	return bytes.Clone(a.data)
}

// Reader returns a read-only view of the attachment bytes.
func (a *Attachment) Reader() *bytes.Reader {
	return bytes.NewReader(a.data)
}

// Equal reports whether both attachments carry the same content.
func (a *Attachment) Equal(o *Attachment) bool {
	if a == o {
		return true
	}
	if a == nil || o == nil {
		return false
	}
	return a.contentID == o.contentID &&
		a.filename == o.filename &&
		a.contentType == o.contentType &&
		a.disposition == o.disposition &&
		a.description == o.description &&
		bytes.Equal(a.data, o.data)
}
