// Package storage provides interfaces and implementations for storing
// reported push subscriptions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imjasonh/pushsub"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Record represents a stored subscription with metadata.
type Record struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
	// Variant names the handshake variant that reported the subscription.
	Variant      string                `json:"variant,omitempty"`
	Subscription *pushsub.Subscription `json:"subscription"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// check rejects records that cannot be indexed by ID and endpoint.
func check(r *Record) error {
	if r.ID == "" {
		return errors.New("record ID is required")
	}
	if r.Subscription == nil || r.Subscription.Endpoint == "" {
		return fmt.Errorf("record %s: subscription endpoint is required", r.ID)
	}
	return nil
}

// stamp sets the record's timestamps for a save at now.
func stamp(r *Record, now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

// newestFirst orders records by creation time, breaking ties by ID.
func newestFirst(a, b *Record) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Storage defines the interface for storing push subscriptions.
type Storage interface {
	// Save stores or updates a subscription. Endpoints are unique: saving
	// a record whose endpoint belongs to another record replaces it.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByEndpoint retrieves a subscription by its endpoint URL.
	GetByEndpoint(ctx context.Context, endpoint string) (*Record, error)

	// GetByUserID retrieves all subscriptions for a user, newest first.
	GetByUserID(ctx context.Context, userID string) ([]*Record, error)

	// Delete removes a subscription by ID.
	Delete(ctx context.Context, id string) error

	// DeleteByEndpoint removes a subscription by its endpoint URL.
	DeleteByEndpoint(ctx context.Context, endpoint string) error

	// List returns subscriptions, newest first, with pagination.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Close closes the storage connection.
	Close() error
}
