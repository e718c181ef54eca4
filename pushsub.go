// Package pushsub implements the browser push-subscription handshake:
// register a service worker, ask for notification permission, subscribe to
// push with an application server key, and report the subscription to a
// backend.
//
// Browser capabilities are injected through the ServiceWorkers, Registration
// and Permissions interfaces so the same handshake runs against the real
// browser (see package browser) and against fakes in tests.
package pushsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Subscription represents a Web Push subscription produced by the browser's
// push manager.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"` // Client's ECDH public key
	Auth   string `json:"auth"`   // Client's authentication secret
}

// Validate checks that the subscription carries everything a push service
// needs to deliver to it.
func (s *Subscription) Validate() error {
	if s.Endpoint == "" {
		return errors.New("subscription endpoint is required")
	}
	if s.Keys.P256dh == "" {
		return errors.New("subscription p256dh key is required")
	}
	if s.Keys.Auth == "" {
		return errors.New("subscription auth key is required")
	}
	if !strings.HasPrefix(s.Endpoint, "https://") {
		return errors.New("subscription endpoint must use HTTPS")
	}
	return nil
}

// ParseSubscription parses a subscription from JSON.
func ParseSubscription(data []byte) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshaling subscription: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}
