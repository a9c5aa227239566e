package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"go.uber.org/zap"

	"github.com/simplify-ai/campaign-mailer/internal/models"
	"github.com/simplify-ai/campaign-mailer/internal/render"
)

const (
	// InitAttempts is how many times the SMTP server is pinged at startup before giving up.
	InitAttempts = 5
	// InitRetryDelay is the pause between startup pings.
	InitRetryDelay = 10 * time.Second

	ValidMinSMTPHostLength = 1
	ValidMaxSMTPHostLength = 253
	ValidMinPoolSize       = 1
	ValidMaxPoolSize       = 1000
	DefaultSendTimeout     = 30 * time.Second
)

// ErrInitFailed is returned when the SMTP server could not be reached after InitAttempts pings.
var ErrInitFailed = errors.New("smtp transport init failed")

// SMTPConfig configures the pooled SMTP transport.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	PoolSize    int
	FromName    string
	FromAddress string
	SendTimeout time.Duration
}

// Validate checks the configuration before any connection is attempted.
func (c SMTPConfig) Validate() error {
	if len(c.Host) < ValidMinSMTPHostLength || len(c.Host) > ValidMaxSMTPHostLength {
		return fmt.Errorf("smtp host must be between %d and %d characters", ValidMinSMTPHostLength, ValidMaxSMTPHostLength)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("smtp port %d out of range", c.Port)
	}
	if c.PoolSize < ValidMinPoolSize || c.PoolSize > ValidMaxPoolSize {
		return fmt.Errorf("smtp pool size must be between %d and %d", ValidMinPoolSize, ValidMaxPoolSize)
	}
	if _, err := mail.ParseAddress(c.FromAddress); err != nil {
		return fmt.Errorf("invalid sender address %q: %w", c.FromAddress, err)
	}
	return nil
}

func (c SMTPConfig) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// SMTP sends messages over a shared pool of SMTP connections. When every
// connection is busy, Send waits, which backpressures the dispatcher.
type SMTP struct {
	pool    *email.Pool
	from    string
	timeout time.Duration
	logger  *zap.Logger
}

type pingFunc func(ctx context.Context, cfg SMTPConfig) error

// NewSMTP validates cfg, pings the server up to InitAttempts times and opens the pool.
func NewSMTP(ctx context.Context, cfg SMTPConfig, logger *zap.Logger) (*SMTP, error) {
	return newSMTP(ctx, cfg, logger, ping, sleepCtx)
}

func newSMTP(ctx context.Context, cfg SMTPConfig, logger *zap.Logger, ping pingFunc, sleep func(context.Context, time.Duration) error) (*SMTP, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var err error
	for attempt := 1; attempt <= InitAttempts; attempt++ {
		if err = ping(ctx, cfg); err == nil {
			break
		}
		logger.Warn("smtp ping failed", zap.String("addr", cfg.addr()), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == InitAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrInitFailed, InitAttempts, err)
		}
		if serr := sleep(ctx, InitRetryDelay); serr != nil {
			return nil, serr
		}
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	pool, err := email.NewPool(cfg.addr(), cfg.PoolSize, auth, &tls.Config{ServerName: cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("smtp pool: %w", err)
	}

	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	from := (&mail.Address{Name: cfg.FromName, Address: cfg.FromAddress}).String()
	logger.Info("SMTP transport ready", zap.String("addr", cfg.addr()), zap.Int("pool_size", cfg.PoolSize))
	return &SMTP{pool: pool, from: from, timeout: timeout, logger: logger}, nil
}

// Send delivers one personalized message.
func (s *SMTP) Send(ctx context.Context, to models.Recipient, msg render.Message) error {
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.pool.Send(buildEmail(s.from, to, msg), timeout); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Close closes every pooled connection.
func (s *SMTP) Close() {
	s.pool.Close()
	s.logger.Info("SMTP transport closed")
}

func buildEmail(from string, to models.Recipient, msg render.Message) *email.Email {
	e := email.NewEmail()
	e.From = from
	e.To = []string{(&mail.Address{Name: to.FirstName, Address: to.Email}).String()}
	e.Subject = msg.Subject
	e.HTML = []byte(msg.HTML)
	if msg.Text != "" {
		e.Text = []byte(msg.Text)
	}
	return e
}

// ping opens one SMTP session and quits, proving the server is reachable.
func ping(ctx context.Context, cfg SMTPConfig) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()
	if err := c.Hello("localhost"); err != nil {
		return err
	}
	return c.Quit()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
