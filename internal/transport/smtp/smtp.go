// Package smtp implements a Transport that relays batches to an SMTP server
// and reports per-recipient outcomes.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"time"

	gomail "github.com/wneessen/go-mail/smtp"

	"github.com/shineum/mailfanout/internal/transport"
)

// TLSMode selects how the connection is secured.
type TLSMode string

const (
	// TLSImplicit dials straight into TLS (SMTPS, usually port 465).
	TLSImplicit TLSMode = "implicit"
	// TLSMandatory requires STARTTLS.
	TLSMandatory TLSMode = "starttls"
	// TLSOpportunistic uses STARTTLS when the server offers it.
	TLSOpportunistic TLSMode = "opportunistic"
	// TLSNone never upgrades the connection.
	TLSNone TLSMode = "none"
)

// DefaultTimeout bounds dialing when the config leaves it unset.
const DefaultTimeout = 30 * time.Second

// Config holds the configuration for creating a Transport.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                TLSMode
	HeloName           string
	Timeout            time.Duration
	InsecureSkipVerify bool

	// CAFile, CertFile and KeyFile are PEM files; see loadTLSConfig.
	CAFile   string
	CertFile string
	KeyFile  string
}

// client is the subset of the go-mail SMTP client the transport drives.
type client interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a gomail.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Transport delivers envelopes over SMTP.
type Transport struct {
	cfg  Config
	tls  *tls.Config
	dial func(ctx context.Context) (client, error)
}

var errNoAcceptedRecipients = errors.New("no recipient was accepted")

// New creates a Transport for the given server.
func New(cfg Config) (*Transport, error) {
	if cfg.TLS == "" {
		cfg.TLS = TLSOpportunistic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	tc, err := loadTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	t := &Transport{cfg: cfg, tls: tc}
	t.dial = t.dialServer
	return t, nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "smtp"
}

func (t *Transport) dialServer(ctx context.Context) (client, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if t.cfg.TLS == TLSImplicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: t.tls.Clone()}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c, err := gomail.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start SMTP session with %s: %w", addr, err)
	}
	return c, nil
}

// Send relays env in one SMTP transaction. Recipients rejected with a 5xx
// reply are reported as invalid, those rejected with a 4xx reply as valid
// but unsent.
func (t *Transport) Send(ctx context.Context, env *transport.Envelope) error {
	raw, err := env.Render(false)
	if err != nil {
		return err
	}

	c, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := t.handshake(c); err != nil {
		return err
	}

	if err := c.Mail(env.From.Address); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}

	var accepted, invalid, unsent []string
	var lastRcptErr error
	for _, rcpt := range env.Recipients() {
		err := c.Rcpt(rcpt.Address)
		if err == nil {
			accepted = append(accepted, rcpt.Address)
			continue
		}

		var reply *textproto.Error
		if !errors.As(err, &reply) {
			return fmt.Errorf("RCPT TO %s: %w", rcpt.Address, err)
		}
		lastRcptErr = err
		if reply.Code >= 500 {
			invalid = append(invalid, rcpt.Address)
		} else {
			unsent = append(unsent, rcpt.Address)
		}
		slog.Warn("SMTP recipient rejected",
			"recipient", rcpt.Address,
			"code", reply.Code,
			"reply", reply.Msg,
		)
	}

	if len(accepted) == 0 {
		return &transport.SendFailedError{
			Invalid:     invalid,
			ValidUnsent: unsent,
			Err:         errors.Join(errNoAcceptedRecipients, lastRcptErr),
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message data rejected: %w", err)
	}

	if err := c.Quit(); err != nil {
		slog.Debug("SMTP QUIT failed", "error", err)
	}

	if len(invalid) > 0 || len(unsent) > 0 {
		return &transport.SendFailedError{
			Invalid:     invalid,
			ValidUnsent: unsent,
			ValidSent:   accepted,
			Err:         lastRcptErr,
		}
	}
	return nil
}

func (t *Transport) handshake(c client) error {
	if err := c.Hello(t.cfg.HeloName); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	switch t.cfg.TLS {
	case TLSMandatory, TLSOpportunistic:
		ok, _ := c.Extension("STARTTLS")
		if ok {
			if err := c.StartTLS(t.tls.Clone()); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		} else if t.cfg.TLS == TLSMandatory {
			return errors.New("server does not support STARTTLS")
		}
	}

	if t.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		auth := gomail.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host, t.cfg.TLS == TLSNone)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	return nil
}
