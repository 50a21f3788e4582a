package service

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/mailfold/mailfold/internal/domain"
)

// snsCertHostSuffix whitelists where signing certificates may come from.
const snsCertHostSuffix = ".amazonaws.com"

// SNSVerifier checks SNS message signatures against the certificate the
// message advertises. Certificates are cached per URL.
type SNSVerifier struct {
	client *http.Client

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

func NewSNSVerifier(client *http.Client) *SNSVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &SNSVerifier{
		client: client,
		certs:  make(map[string]*x509.Certificate),
	}
}

// Verify checks the envelope signature. The signing certificate URL must be
// HTTPS on an Amazon host; anything else is rejected before any fetch.
func (v *SNSVerifier) Verify(envelope *domain.SNSEnvelope) error {
	if err := ValidateAmazonURL(envelope.SigningCertURL); err != nil {
		return fmt.Errorf("signing cert url: %w", err)
	}

	signature, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	cert, err := v.certificate(envelope.SigningCertURL)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("signing cert does not carry an RSA key")
	}

	payload := []byte(canonicalString(envelope))
	switch envelope.SignatureVersion {
	case "1":
		sum := crypto.SHA1.New()
		sum.Write(payload)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA1, sum.Sum(nil), signature)
	case "2":
		sum := crypto.SHA256.New()
		sum.Write(payload)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum.Sum(nil), signature)
	default:
		return fmt.Errorf("unsupported signature version %q", envelope.SignatureVersion)
	}
}

// canonicalString builds the newline-delimited key/value list SNS signs.
// Field order is fixed by the SNS protocol.
func canonicalString(envelope *domain.SNSEnvelope) string {
	var b strings.Builder
	add := func(key, value string) {
		if value == "" {
			return
		}
		b.WriteString(key)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	add("Message", envelope.Message)
	add("MessageId", envelope.MessageID)
	if envelope.Type == domain.SNSTypeSubscriptionConfirmation ||
		envelope.Type == domain.SNSTypeUnsubscribeConfirmation {
		add("SubscribeURL", envelope.SubscribeURL)
	}
	if envelope.Type == domain.SNSTypeNotification {
		add("Subject", envelope.Subject)
	}
	add("Timestamp", envelope.Timestamp)
	if envelope.Type == domain.SNSTypeSubscriptionConfirmation ||
		envelope.Type == domain.SNSTypeUnsubscribeConfirmation {
		add("Token", envelope.Token)
	}
	add("TopicArn", envelope.TopicARN)
	add("Type", envelope.Type)
	return b.String()
}

func (v *SNSVerifier) certificate(certURL string) (*x509.Certificate, error) {
	v.mu.Lock()
	cached, ok := v.certs[certURL]
	v.mu.Unlock()
	if ok {
		return cached, nil
	}

	resp, err := v.client.Get(certURL)
	if err != nil {
		return nil, fmt.Errorf("fetch signing cert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch signing cert: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing cert is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing cert: %w", err)
	}

	v.mu.Lock()
	v.certs[certURL] = cert
	v.mu.Unlock()
	return cert, nil
}

// ValidateAmazonURL accepts only HTTPS URLs on Amazon-owned hosts; used for
// both signing certificates and subscription confirmation callbacks.
func ValidateAmazonURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("scheme %q is not https", parsed.Scheme)
	}
	if !strings.HasSuffix(parsed.Hostname(), snsCertHostSuffix) {
		return fmt.Errorf("host %q is not an amazonaws.com host", parsed.Hostname())
	}
	return nil
}
