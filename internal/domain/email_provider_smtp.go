package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

// SMTPSettings configures the SMTP driver.
type SMTPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Secure   bool   `json:"secure"`

	Pool ProviderPoolSettings `json:"pool"`
}

// SMTPProvider sends over SMTP using go-mail. Clients are pooled and
// recycled after MaxMessagesPerConnection sends, since many relays cap
// messages per session.
type SMTPProvider struct {
	settings SMTPSettings

	mu       sync.Mutex
	idle     []*smtpConn
	inUse    int
	maxConns int
}

type smtpConn struct {
	client *mail.Client
	sends  int
}

// NewSMTPProvider builds an SMTP driver from settings.
func NewSMTPProvider(settings SMTPSettings) *SMTPProvider {
	maxConns := settings.Pool.MaxConnections
	if maxConns <= 0 {
		maxConns = 5
	}
	return &SMTPProvider{settings: settings, maxConns: maxConns}
}

func (p *SMTPProvider) Kind() EmailProviderKind { return EmailProviderKindSMTP }

func (p *SMTPProvider) newClient() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(p.settings.Port),
		mail.WithTimeout(10 * time.Second),
	}
	if p.settings.Username != "" {
		opts = append(opts,
			mail.WithUsername(p.settings.Username),
			mail.WithPassword(p.settings.Password),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
		)
	}
	if p.settings.Secure {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	client, err := mail.NewClient(p.settings.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return client, nil
}

func (p *SMTPProvider) acquire() (*smtpConn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return conn, nil
	}
	p.inUse++
	p.mu.Unlock()

	client, err := p.newClient()
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		return nil, err
	}
	return &smtpConn{client: client}, nil
}

func (p *SMTPProvider) release(conn *smtpConn) {
	maxMsgs := p.settings.Pool.MaxMessagesPerConnection
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse--
	if maxMsgs > 0 && conn.sends >= maxMsgs {
		return // recycled; next acquire dials fresh
	}
	if len(p.idle) < p.maxConns {
		p.idle = append(p.idle, conn)
	}
}

func (p *SMTPProvider) Send(ctx context.Context, msg *OutboundMessage) (*SendReceipt, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(msg.FromName, msg.FromEmail); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to: %w", err)
		}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	if msg.Text != "" {
		m.AddAlternativeString(mail.TypeTextPlain, msg.Text)
	}
	for k, v := range msg.Headers {
		m.SetGenHeader(mail.Header(k), v)
	}
	// SMTP has no provider-assigned id; mint one so EmailLog.messageId is
	// always set after a successful send.
	messageID := uuid.New().String()
	m.SetMessageIDWithValue(messageID)

	conn, err := p.acquire()
	if err != nil {
		return nil, err
	}
	conn.sends++
	err = conn.client.DialAndSendWithContext(ctx, m)
	p.release(conn)
	if err != nil {
		return nil, fmt.Errorf("smtp send failed: %w", err)
	}
	return &SendReceipt{MessageID: messageID}, nil
}

// Verify dials the relay once.
func (p *SMTPProvider) Verify(ctx context.Context) error {
	client, err := p.newClient()
	if err != nil {
		return err
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("SMTP verification failed: %w", err)
	}
	return client.Close()
}
