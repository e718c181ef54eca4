//go:build js && wasm

// Command pushsub-wasm runs the push subscription handshake in the page,
// configured by the self.pushsubConfig object the backend renders ahead of
// its bootstrap script. The outcome is published as a promise on
// self.pushsubResult.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"syscall/js"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/pushsub"
	"github.com/imjasonh/pushsub/browser"
)

type pageConfig struct {
	Name              string `json:"name"`
	ServiceWorkerPath string `json:"serviceWorkerPath"`
	ReportPath        string `json:"reportPath"`
	Username          string `json:"username"`
	ServerKey         string `json:"serverKey"`
	AwaitPermission   bool   `json:"awaitPermission"`
}

func main() {
	ctx := clog.WithLogger(context.Background(), clog.New(slog.NewTextHandler(os.Stderr, nil)))
	done := make(chan struct{})

	js.Global().Set("pushsubResult", js.Global().Get("Promise").New(js.FuncOf(func(_ js.Value, args []js.Value) any {
		resolve, reject := args[0], args[1]
		go func() {
			defer close(done)
			resp, err := run(ctx)
			if err != nil {
				reject.Invoke(js.Global().Get("Error").New(err.Error()))
				return
			}
			resolve.Invoke(js.Global().Get("JSON").Call("parse", string(resp)))
		}()
		return nil
	})))

	<-done
}

func run(ctx context.Context) (json.RawMessage, error) {
	log := clog.FromContext(ctx)

	raw := js.Global().Get("pushsubConfig")
	if raw.IsUndefined() {
		return nil, errors.New("self.pushsubConfig is not set")
	}
	var cfg pageConfig
	if err := json.Unmarshal([]byte(js.Global().Get("JSON").Call("stringify", raw).String()), &cfg); err != nil {
		return nil, err
	}

	workers, err := browser.NewServiceWorkers()
	if err != nil {
		log.Warnf("Service workers are not supported in this browser.")
		return nil, err
	}

	hs, err := pushsub.New(pushsub.Config{
		Variant: pushsub.Variant{
			Name:              cfg.Name,
			ServiceWorkerPath: cfg.ServiceWorkerPath,
			ReportPath:        cfg.ReportPath,
			Username:          cfg.Username,
			AwaitPermission:   cfg.AwaitPermission,
		},
		ApplicationServerKey: cfg.ServerKey,
		ServiceWorkers:       workers,
		Permissions:          browser.Permissions{},
		Reporter:             pushsub.NewHTTPReporter(browser.Origin()),
	})
	if err != nil {
		return nil, err
	}

	res, err := hs.Run(ctx)
	if err != nil {
		return nil, err
	}
	// Keep the module alive until the permission prompt settles.
	if p, err := hs.Wait(ctx); err != nil {
		log.Warnf("Notification permission is %q: %v", p, err)
	}
	if res.ReportErr != nil {
		return nil, res.ReportErr
	}
	return res.Response, nil
}
