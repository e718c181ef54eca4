package pushsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/pushsub/vapid"
)

// Permission is the outcome of a notification permission prompt.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// SubscribeOptions mirrors the options passed to PushManager.subscribe().
type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// ServiceWorkers registers service worker scripts.
type ServiceWorkers interface {
	// Register registers the worker script at scriptURL.
	Register(ctx context.Context, scriptURL string) (Registration, error)
}

// Registration is a registered service worker.
type Registration interface {
	// Subscribe asks the registration's push manager for a subscription.
	Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error)
}

// Permissions prompts the user for notification permission.
type Permissions interface {
	RequestPermission(ctx context.Context) (Permission, error)
}

var (
	// ErrRegistration is returned when the service worker could not be registered.
	ErrRegistration = errors.New("service worker registration failed")
	// ErrPermissionDenied is returned when notification permission was not granted.
	ErrPermissionDenied = errors.New("notification permission not granted")
	// ErrSubscription is returned when the push manager rejected the subscription.
	ErrSubscription = errors.New("push subscription failed")
	// ErrNetwork is returned when the subscription could not be reported.
	ErrNetwork = errors.New("reporting subscription failed")
	// ErrHandshakeUsed is returned by Run on a handshake that already ran.
	ErrHandshakeUsed = errors.New("handshake already run")
)

// State is a handshake's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateRegistering
	StateSubscribing
	StateReporting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateSubscribing:
		return "subscribing"
	case StateReporting:
		return "reporting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures a Handshake.
type Config struct {
	Variant Variant

	// ApplicationServerKey is the base64url VAPID public key.
	ApplicationServerKey string

	ServiceWorkers ServiceWorkers
	Permissions    Permissions
	Reporter       Reporter

	// AwaitPermission runs registration, permission and subscription in
	// sequence and stops before subscribing unless permission is granted.
	// When false the permission prompt runs concurrently with the rest of
	// the handshake and its outcome does not gate the subscription.
	// Variant.AwaitPermission also enables it.
	AwaitPermission bool
}

// Result is the outcome of a completed handshake.
type Result struct {
	Subscription *Subscription
	// Response is the backend's reply to the report, if it succeeded.
	Response json.RawMessage
	// ReportErr is set when the report failed. It wraps ErrNetwork.
	ReportErr error
}

// Handshake runs one push subscription flow. A Handshake is single use.
type Handshake struct {
	cfg Config

	mu    sync.Mutex
	state State

	permDone   chan struct{}
	permission Permission
	permErr    error
}

// New creates a handshake from cfg.
func New(cfg Config) (*Handshake, error) {
	if cfg.ServiceWorkers == nil {
		return nil, errors.New("service workers capability is required")
	}
	if cfg.Permissions == nil {
		return nil, errors.New("permissions capability is required")
	}
	if cfg.Reporter == nil {
		return nil, errors.New("reporter is required")
	}
	if err := cfg.Variant.Validate(); err != nil {
		return nil, err
	}
	cfg.AwaitPermission = cfg.AwaitPermission || cfg.Variant.AwaitPermission
	return &Handshake{
		cfg:      cfg,
		state:    StateIdle,
		permDone: make(chan struct{}),
	}, nil
}

// State returns the current state of the handshake.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handshake) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// Run performs the handshake. It returns an error wrapping ErrRegistration,
// ErrSubscription or, with AwaitPermission, ErrPermissionDenied. A failed
// report does not fail the handshake; it is recorded in Result.ReportErr.
func (h *Handshake) Run(ctx context.Context) (*Result, error) {
	h.mu.Lock()
	if h.state != StateIdle {
		h.mu.Unlock()
		return nil, ErrHandshakeUsed
	}
	h.state = StateRegistering
	h.mu.Unlock()

	log := clog.FromContext(ctx).With("variant", h.cfg.Variant.Name)
	ctx = clog.WithLogger(ctx, log)

	if !h.cfg.AwaitPermission {
		// The prompt is in flight alongside registration and subscription.
		go func() {
			if _, err := h.askPermission(ctx); err != nil {
				log.Warnf("Permission request did not succeed: %v", err)
			}
		}()
	}

	reg, err := h.cfg.ServiceWorkers.Register(ctx, h.cfg.Variant.ServiceWorkerPath)
	if err != nil {
		log.Errorf("Unable to register service worker: %v", err)
		h.setState(StateFailed)
		if h.cfg.AwaitPermission {
			h.skipPermission()
		}
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	log.Infof("Service worker successfully registered at %s", h.cfg.Variant.ServiceWorkerPath)

	if h.cfg.AwaitPermission {
		if _, err := h.askPermission(ctx); err != nil {
			log.Errorf("Not subscribing: %v", err)
			h.setState(StateFailed)
			return nil, err
		}
	}

	h.setState(StateSubscribing)
	sub, err := h.subscribe(ctx, reg)
	if err != nil {
		log.Errorf("Unable to subscribe to push: %v", err)
		h.setState(StateFailed)
		return nil, err
	}

	h.setState(StateReporting)
	result := &Result{Subscription: sub}
	resp, err := h.cfg.Reporter.Report(ctx, h.cfg.Variant.ReportPath, h.cfg.Variant.Payload(sub))
	if err != nil {
		if !errors.Is(err, ErrNetwork) {
			err = fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		log.Errorf("Failed to transmit subscription to %s: %v", h.cfg.Variant.ReportPath, err)
		result.ReportErr = err
	} else {
		log.Infof("Transmitted subscription to server, got back response: %s", string(resp))
		result.Response = resp
	}

	h.setState(StateDone)
	return result, nil
}

func (h *Handshake) subscribe(ctx context.Context, reg Registration) (*Subscription, error) {
	key, err := vapid.DecodeApplicationServerKey(h.cfg.ApplicationServerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding application server key: %w", ErrSubscription, err)
	}

	sub, err := reg.Subscribe(ctx, SubscribeOptions{
		UserVisibleOnly:      true,
		ApplicationServerKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubscription, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: push manager returned no subscription", ErrSubscription)
	}

	if b, err := json.Marshal(sub); err == nil {
		clog.FromContext(ctx).Infof("Received PushSubscription: %s", string(b))
	}
	return sub, nil
}

// askPermission prompts for permission and records the outcome for Wait.
func (h *Handshake) askPermission(ctx context.Context) (Permission, error) {
	p, err := h.cfg.Permissions.RequestPermission(ctx)
	switch {
	case err != nil:
		err = fmt.Errorf("requesting permission: %w", err)
	case p != PermissionGranted:
		err = fmt.Errorf("%w: result was %q", ErrPermissionDenied, p)
	}

	h.mu.Lock()
	h.permission, h.permErr = p, err
	h.mu.Unlock()
	close(h.permDone)
	return p, err
}

// skipPermission releases Wait when a sequential handshake never prompts.
func (h *Handshake) skipPermission() {
	h.mu.Lock()
	h.permErr = errors.New("permission was not requested")
	h.mu.Unlock()
	close(h.permDone)
}

// Wait blocks until the permission prompt started by Run has resolved and
// returns its outcome. The error wraps ErrPermissionDenied when the user
// did not grant permission.
func (h *Handshake) Wait(ctx context.Context) (Permission, error) {
	if h.State() == StateIdle {
		return "", errors.New("handshake has not run")
	}
	select {
	case <-h.permDone:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.permission, h.permErr
}
