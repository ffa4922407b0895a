package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/shineum/mailfanout/internal/distribution"
	"github.com/shineum/mailfanout/internal/message"
)

// Job describes one message to send. File paths are relative to the job
// file. A job that names a template inherits its content, recipients and
// attachments and overrides whatever it sets itself.
type Job struct {
	RefID    string `yaml:"refid"`
	Name     string `yaml:"name"`
	Template string `yaml:"template"`

	Subject  string `yaml:"subject"`
	HTML     string `yaml:"html"`
	Markdown string `yaml:"markdown"`
	Text     string `yaml:"text"`

	From string `yaml:"from"`
	To   string `yaml:"to"`
	Cc   string `yaml:"cc"`
	Bcc  string `yaml:"bcc"`

	Attachments []JobAttachment `yaml:"attachments"`

	dir string
}

// JobAttachment is one file attached to a job.
type JobAttachment struct {
	ContentID   string `yaml:"cid"`
	Path        string `yaml:"path"`
	Filename    string `yaml:"filename"`
	ContentType string `yaml:"content_type"`
	Disposition string `yaml:"disposition"`
	Description string `yaml:"description"`
}

// LoadJob reads a job file. A missing refid gets a random one.
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	job := &Job{}
	if err := yaml.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if job.RefID == "" {
		job.RefID = uuid.NewString()
	}
	job.dir = filepath.Dir(path)
	return job, nil
}

// editable is implemented by both message kinds.
type editable interface {
	SetSubject(string) error
	SetBody(string) error
	SetPlaintextBody(string) error
	SetBodyMarkdown(string) error
	AddAttachment(*message.Attachment) error
}

// Build turns the job into a message. opts apply to the returned message
// only, never to its template.
func (j *Job) Build(opts ...message.Option) (message.Message, error) {
	if j.Template == "" {
		tmpl, err := j.buildTemplate(opts...)
		if err != nil {
			return nil, err
		}
		return tmpl, nil
	}

	base, err := LoadJob(j.resolve(j.Template))
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", j.Template, err)
	}
	if base.Template != "" {
		return nil, fmt.Errorf("template %s: templates cannot be nested", j.Template)
	}
	tmpl, err := base.buildTemplate()
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", j.Template, err)
	}

	d, err := message.NewDerived(j.RefID, j.Name, tmpl, opts...)
	if err != nil {
		return nil, err
	}
	dist := d.Distribution()
	if j.From != "" {
		if err := dist.SetFrom(j.From); err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
	}
	if err := j.addRecipients(dist); err != nil {
		return nil, err
	}
	if err := j.apply(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (j *Job) buildTemplate(opts ...message.Option) (*message.Template, error) {
	dist, err := distribution.New(j.From, j.To)
	if err != nil {
		return nil, fmt.Errorf("distribution: %w", err)
	}
	if _, err := dist.AddCc(j.Cc); err != nil {
		return nil, fmt.Errorf("cc: %w", err)
	}
	if _, err := dist.AddBcc(j.Bcc); err != nil {
		return nil, fmt.Errorf("bcc: %w", err)
	}
	tmpl, err := message.NewTemplate(j.RefID, j.Name, dist, opts...)
	if err != nil {
		return nil, err
	}
	if err := j.apply(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

func (j *Job) addRecipients(dist *distribution.List) error {
	for role, header := range map[distribution.Role]string{
		distribution.To:  j.To,
		distribution.Cc:  j.Cc,
		distribution.Bcc: j.Bcc,
	} {
		if _, err := dist.Add(role, header); err != nil {
			return fmt.Errorf("%s: %w", role, err)
		}
	}
	return nil
}

// apply sets every content field the job defines.
func (j *Job) apply(m editable) error {
	if j.Subject != "" {
		if err := m.SetSubject(j.Subject); err != nil {
			return err
		}
	}
	if j.Markdown != "" {
		md, err := j.read(j.Markdown)
		if err != nil {
			return err
		}
		if err := m.SetBodyMarkdown(md); err != nil {
			return err
		}
	}
	if j.HTML != "" {
		body, err := j.read(j.HTML)
		if err != nil {
			return err
		}
		if err := m.SetBody(body); err != nil {
			return err
		}
	}
	if j.Text != "" {
		text, err := j.read(j.Text)
		if err != nil {
			return err
		}
		if err := m.SetPlaintextBody(text); err != nil {
			return err
		}
	}
	for _, ja := range j.Attachments {
		a, err := j.attachment(ja)
		if err != nil {
			return err
		}
		if err := m.AddAttachment(a); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) attachment(ja JobAttachment) (*message.Attachment, error) {
	data, err := os.ReadFile(j.resolve(ja.Path))
	if err != nil {
		return nil, fmt.Errorf("attachment %s: %w", ja.ContentID, err)
	}
	filename := ja.Filename
	if filename == "" {
		filename = filepath.Base(ja.Path)
	}
	return message.NewAttachment(ja.ContentID, filename, ja.ContentType, data,
		message.Disposition(ja.Disposition), ja.Description)
}

func (j *Job) read(path string) (string, error) {
	data, err := os.ReadFile(j.resolve(path))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func (j *Job) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(j.dir, path)
}
