// Package webpush delivers relay payloads to browsers through the Web Push
// protocol with VAPID authentication.
package webpush

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/bissquit/notify-relay/internal/domain"
)

// DefaultTTL is how long push services keep an undelivered message, in seconds.
const DefaultTTL = 24 * 60 * 60

// maxErrorBody caps how much of a rejection body ends up in the delivery result.
const maxErrorBody = 120

// ErrMissingKeys is returned when the VAPID key pair is not configured.
var ErrMissingKeys = errors.New("vapid public and private keys are required")

// ErrInvalidKeys is returned when the VAPID keys are malformed or do not form a pair.
var ErrInvalidKeys = errors.New("invalid vapid key pair")

// DeliveryError is returned when the push service answers with a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("push service responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Gone reports whether the subscription no longer exists at the push service.
func (e *DeliveryError) Gone() bool {
	return e.StatusCode == http.StatusGone || e.StatusCode == http.StatusNotFound
}

// Config contains push sender configuration.
type Config struct {
	PublicKey  string
	PrivateKey string
	// Subscriber is a mailto address or https URL push services can use to reach the operator.
	Subscriber string
	TTL        int
	Urgency    string
	HTTPClient *http.Client
}

// Keys is a base64url encoded VAPID key pair.
type Keys struct {
	PublicKey  string
	PrivateKey string
}

// GenerateKeys creates a new VAPID key pair.
func GenerateKeys() (Keys, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return Keys{}, fmt.Errorf("generate vapid keys: %w", err)
	}
	return Keys{PublicKey: pub, PrivateKey: priv}, nil
}

// Sender implements relay.Sender.
type Sender struct {
	options webpush.Options
}

// NewSender creates a sender signing with the configured VAPID keys.
func NewSender(cfg Config) (*Sender, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, ErrMissingKeys
	}
	if err := checkKeyPair(cfg.PublicKey, cfg.PrivateKey); err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Sender{
		options: webpush.Options{
			HTTPClient:      client,
			Subscriber:      cfg.Subscriber,
			TTL:             ttl,
			Urgency:         webpush.Urgency(cfg.Urgency),
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
		},
	}, nil
}

// checkKeyPair verifies that the private key is a raw P-256 scalar whose
// public point is the configured public key.
func checkKeyPair(publicKey, privateKey string) error {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return fmt.Errorf("%w: private key: %w", ErrInvalidKeys, err)
	}
	if len(priv) != 32 {
		return fmt.Errorf("%w: private key is %d bytes, want 32", ErrInvalidKeys, len(priv))
	}

	pub, err := decodeKey(publicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %w", ErrInvalidKeys, err)
	}

	key, err := ecdh.P256().NewPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("%w: private key: %w", ErrInvalidKeys, err)
	}
	if !bytes.Equal(key.PublicKey().Bytes(), pub) {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidKeys)
	}
	return nil
}

// decodeKey accepts base64url with or without padding.
func decodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
func (s *Sender) Send(ctx context.Context, sub domain.Subscription, payload []byte) error {
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}

	// options is copied so concurrent sends never share a mutable value
	opts := s.options

	resp, err := webpush.SendNotificationWithContext(ctx, payload, target, &opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &DeliveryError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
