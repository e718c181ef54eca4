//go:build js && wasm

// Package browser implements the handshake's capabilities on top of the
// browser's service worker, Notification and Push APIs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"syscall/js"

	"github.com/imjasonh/pushsub"
)

// ErrUnsupported is returned when the page's browser lacks an API the
// handshake needs.
var ErrUnsupported = errors.New("not supported by this browser")

// ServiceWorkers registers workers through navigator.serviceWorker.
type ServiceWorkers struct {
	container js.Value
}

// NewServiceWorkers returns the page's service worker container.
func NewServiceWorkers() (*ServiceWorkers, error) {
	c := js.Global().Get("navigator").Get("serviceWorker")
	if c.IsUndefined() {
		return nil, fmt.Errorf("service workers: %w", ErrUnsupported)
	}
	return &ServiceWorkers{container: c}, nil
}

// Register implements pushsub.ServiceWorkers.
func (s *ServiceWorkers) Register(ctx context.Context, scriptURL string) (pushsub.Registration, error) {
	reg, err := await(ctx, s.container.Call("register", scriptURL))
	if err != nil {
		return nil, err
	}
	return &Registration{reg: reg}, nil
}

// Registration wraps a ServiceWorkerRegistration.
type Registration struct {
	reg js.Value
}

// Subscribe implements pushsub.Registration with pushManager.subscribe.
func (r *Registration) Subscribe(ctx context.Context, opts pushsub.SubscribeOptions) (*pushsub.Subscription, error) {
	pm := r.reg.Get("pushManager")
	if pm.IsUndefined() {
		return nil, fmt.Errorf("push manager: %w", ErrUnsupported)
	}

	key := js.Global().Get("Uint8Array").New(len(opts.ApplicationServerKey))
	js.CopyBytesToJS(key, opts.ApplicationServerKey)
	o := js.Global().Get("Object").New()
	o.Set("userVisibleOnly", opts.UserVisibleOnly)
	o.Set("applicationServerKey", key)

	sub, err := await(ctx, pm.Call("subscribe", o))
	if err != nil {
		return nil, err
	}
	// PushSubscription.toJSON yields the endpoint and base64url keys.
	data := js.Global().Get("JSON").Call("stringify", sub).String()
	return pushsub.ParseSubscription([]byte(data))
}

// Permissions prompts through Notification.requestPermission.
type Permissions struct{}

// RequestPermission implements pushsub.Permissions.
func (Permissions) RequestPermission(ctx context.Context) (pushsub.Permission, error) {
	n := js.Global().Get("Notification")
	if n.IsUndefined() {
		return "", fmt.Errorf("notifications: %w", ErrUnsupported)
	}
	v, err := await(ctx, n.Call("requestPermission"))
	if err != nil {
		return "", err
	}
	return pushsub.Permission(v.String()), nil
}

// Origin returns the page's origin, for resolving report paths.
func Origin() string {
	return js.Global().Get("location").Get("origin").String()
}

// await blocks until p settles or ctx is done.
func await(ctx context.Context, p js.Value) (js.Value, error) {
	type settled struct {
		v   js.Value
		err error
	}
	ch := make(chan settled, 1)

	var onResolve, onReject js.Func
	onResolve = js.FuncOf(func(_ js.Value, args []js.Value) any {
		ch <- settled{v: arg(args)}
		return nil
	})
	onReject = js.FuncOf(func(_ js.Value, args []js.Value) any {
		ch <- settled{err: jsError(arg(args))}
		return nil
	})
	p.Call("then", onResolve, onReject)

	select {
	case s := <-ch:
		onResolve.Release()
		onReject.Release()
		return s.v, s.err
	case <-ctx.Done():
		// The callbacks stay alive; the promise may still settle.
		return js.Undefined(), ctx.Err()
	}
}

func arg(args []js.Value) js.Value {
	if len(args) == 0 {
		return js.Undefined()
	}
	return args[0]
}

// jsError converts a rejection reason, usually a DOMException, to an error.
func jsError(v js.Value) error {
	if v.Type() == js.TypeObject {
		name, msg := v.Get("name"), v.Get("message")
		if !name.IsUndefined() && !msg.IsUndefined() {
			return fmt.Errorf("%s: %s", name.String(), msg.String())
		}
	}
	return errors.New(js.Global().Get("String").Invoke(v).String())
}
