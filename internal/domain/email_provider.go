package domain

import (
	"context"
)

// EmailProviderKind names a configured provider backend.
type EmailProviderKind string

const (
	EmailProviderKindSES  EmailProviderKind = "ses"
	EmailProviderKindSMTP EmailProviderKind = "smtp"
)

// OutboundMessage is one fully rendered email handed to a provider.
type OutboundMessage struct {
	FromName  string
	FromEmail string
	ReplyTo   string
	To        string
	Subject   string
	HTML      string
	Text      string
	Headers   map[string]string
}

// SendReceipt is returned on a successful provider send.
type SendReceipt struct {
	MessageID string
}

// EmailProvider is the driver contract. Error classification is handled
// separately by pkg/emailerror so every driver shares the same retry rules.
type EmailProvider interface {
	Kind() EmailProviderKind
	// Send delivers one message. The returned error is raw provider text;
	// callers classify it.
	Send(ctx context.Context, msg *OutboundMessage) (*SendReceipt, error)
	// Verify probes credentials/connectivity at startup.
	Verify(ctx context.Context) error
}

// ProviderPoolSettings bounds connection reuse for pooled drivers.
type ProviderPoolSettings struct {
	MaxConnections           int
	MaxMessagesPerConnection int
}
