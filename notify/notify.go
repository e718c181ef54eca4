// Package notify delivers Web Push messages to subscriptions collected by
// the handshake.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/pushsub"
	"github.com/imjasonh/pushsub/storage"
	"github.com/imjasonh/pushsub/vapid"
)

// DefaultTTL is used when Options.TTL is zero: 4 weeks.
const DefaultTTL = 2419200

// Options configures delivery of one message.
type Options struct {
	TTL     int    // Time-to-live in seconds
	Urgency string // very-low, low, normal, high
	Topic   string // Topic for message replacement
}

// Message is the JSON payload shown by the service worker.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// StatusError is returned when the push service rejects a message.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// IsGone reports whether err means the subscription no longer exists and
// should be forgotten.
func IsGone(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusGone || se.StatusCode == http.StatusNotFound
}

// Sender sends push messages signed with a VAPID key.
type Sender struct {
	store      storage.Storage
	signer     vapid.Signer
	subject    string // VAPID subject (mailto: or https: URL)
	httpClient *http.Client
	now        func() time.Time
}

// NewSender creates a sender for subscriptions held in store.
func NewSender(store storage.Storage, signer vapid.Signer, subject string) *Sender {
	return &Sender{
		store:      store,
		signer:     signer,
		subject:    subject,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (s *Sender) WithHTTPClient(httpClient *http.Client) *Sender {
	s.httpClient = httpClient
	return s
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
func (s *Sender) Send(ctx context.Context, sub *pushsub.Subscription, payload []byte, opts *Options) error {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}

	body, err := encrypt(sub, payload)
	if err != nil {
		return fmt.Errorf("encrypting payload: %w", err)
	}
	auth, err := vapid.Header(ctx, s.signer, sub.Endpoint, s.subject, s.now())
	if err != nil {
		return fmt.Errorf("creating VAPID header: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(o.TTL))
	if o.Urgency != "" {
		req.Header.Set("Urgency", o.Urgency)
	}
	if o.Topic != "" {
		req.Header.Set("Topic", o.Topic)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// Result tallies a fan-out.
type Result struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Removed int `json:"removed"`
}

// SendToUser sends msg to every subscription stored for userID. Failed
// deliveries are counted, not returned; subscriptions the push service
// reports as gone are deleted.
func (s *Sender) SendToUser(ctx context.Context, userID string, msg Message, opts *Options) (*Result, error) {
	records, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return s.fanOut(clog.WithLogger(ctx, clog.FromContext(ctx).With("user", userID)), records, msg, opts)
}

// listPage bounds each storage read while collecting every subscription.
const listPage = 1000

// SendToAll sends msg to every stored subscription, with the same
// accounting as SendToUser.
func (s *Sender) SendToAll(ctx context.Context, msg Message, opts *Options) (*Result, error) {
	var records []*storage.Record
	for offset := 0; ; offset += listPage {
		page, err := s.store.List(ctx, listPage, offset)
		if err != nil {
			return nil, fmt.Errorf("listing subscriptions: %w", err)
		}
		records = append(records, page...)
		if len(page) < listPage {
			break
		}
	}
	if len(records) == 0 {
		clog.FromContext(ctx).Infof("No subscribers to notify")
	}
	return s.fanOut(ctx, records, msg, opts)
}

func (s *Sender) fanOut(ctx context.Context, records []*storage.Record, msg Message, opts *Options) (*Result, error) {
	log := clog.FromContext(ctx)

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}

	res := &Result{}
	for _, r := range records {
		err := s.Send(ctx, r.Subscription, payload, opts)
		if err == nil {
			res.Sent++
			continue
		}
		res.Failed++
		log.Warnf("Failed to send to %s: %v", r.ID, err)
		if !IsGone(err) {
			continue
		}
		if err := s.store.Delete(ctx, r.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Errorf("Failed to delete expired subscription %s: %v", r.ID, err)
			continue
		}
		res.Removed++
		log.Infof("Deleted expired subscription %s", r.ID)
	}

	log.Infof("Push sent: %d successful, %d failed", res.Sent, res.Failed)
	return res, nil
}
