// Package server is the backend half of the handshake: it serves the client
// bootstrap script with the application server key substituted, accepts
// reported subscriptions, and fans notifications out to them.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/imjasonh/pushsub"
	"github.com/imjasonh/pushsub/notify"
	"github.com/imjasonh/pushsub/storage"
	"github.com/imjasonh/pushsub/vapid"
)

//go:embed static/subscribe.js
var subscribeScript []byte

const maxBodyBytes = 64 << 10

// Config configures the backend.
type Config struct {
	Variants []pushsub.Variant
	// ApplicationServerKey is the base64url VAPID public key.
	ApplicationServerKey string
	// KnownUsers, when non-empty, limits which usernames may register
	// subscriptions through wrapped variants.
	KnownUsers []string
	// WasmDir, when set, holds pushsub.wasm (built from cmd/pushsub-wasm)
	// and the toolchain's wasm_exec.js. The bootstrap script then loads the
	// handshake from there instead of running its script fallback.
	WasmDir string
}

// Files served from WasmDir.
const (
	wasmBinary = "pushsub.wasm"
	wasmExec   = "wasm_exec.js"
)

// fixedRoutes are registered regardless of configuration.
var fixedRoutes = []string{
	"/health",
	"/api/vapid-public-key",
	"/api/unsubscribe",
	"/api/notify",
	"/ping",
	"/wasm/" + wasmBinary,
	"/wasm/" + wasmExec,
}

// Server handles subscription reports and notification requests.
type Server struct {
	cfg    Config
	store  storage.Storage
	sender *notify.Sender
	known  map[string]bool
	wasm   fs.FS
	log    *clog.Logger
}

// New creates a server. sender may be nil, which disables /api/notify.
func New(ctx context.Context, cfg Config, store storage.Storage, sender *notify.Sender) (*Server, error) {
	if err := checkRoutes(cfg.Variants); err != nil {
		return nil, err
	}
	if _, err := vapid.DecodeApplicationServerKey(cfg.ApplicationServerKey); err != nil {
		return nil, fmt.Errorf("application server key: %w", err)
	}

	var wasm fs.FS
	if cfg.WasmDir != "" {
		wasm = os.DirFS(cfg.WasmDir)
		for _, name := range []string{wasmBinary, wasmExec} {
			if _, err := fs.Stat(wasm, name); err != nil {
				return nil, fmt.Errorf("wasm dir: %w", err)
			}
		}
	}

	known := make(map[string]bool, len(cfg.KnownUsers))
	for _, u := range cfg.KnownUsers {
		known[u] = true
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		sender: sender,
		known:  known,
		wasm:   wasm,
		log:    clog.FromContext(ctx),
	}, nil
}

func scriptPath(v pushsub.Variant) string {
	return "/" + v.Name + "/js/subscribe.js"
}

// checkRoutes rejects variants whose routes would shadow one another or a
// fixed route.
func checkRoutes(variants []pushsub.Variant) error {
	if len(variants) == 0 {
		return errors.New("at least one variant is required")
	}
	owner := make(map[string]string)
	for _, p := range fixedRoutes {
		owner[p] = "server"
	}
	for _, v := range variants {
		if err := v.Validate(); err != nil {
			return err
		}
		for _, p := range []string{scriptPath(v), v.ReportPath} {
			if o, ok := owner[p]; ok {
				return fmt.Errorf("variant %q: route %s is already used by %s", v.Name, p, o)
			}
			owner[p] = fmt.Sprintf("variant %q", v.Name)
		}
	}
	return nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/api/vapid-public-key", s.handlePublicKey)
	r.Post("/api/unsubscribe", s.handleUnsubscribe)
	if s.sender != nil {
		r.Post("/api/notify", s.handleNotify)
		r.Post("/ping", s.handlePing)
	}
	if s.wasm != nil {
		r.Get("/wasm/"+wasmBinary, s.handleWasm(wasmBinary, "application/wasm"))
		r.Get("/wasm/"+wasmExec, s.handleWasm(wasmExec, "text/javascript; charset=utf-8"))
	}

	for _, v := range s.cfg.Variants {
		r.Get(scriptPath(v), s.handleScript(v))
		r.Post(v.ReportPath, s.handleAddSub(v))
	}
	return r
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := s.log.With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(clog.WithLogger(r.Context(), log)))
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		clog.FromContext(ctx).Warnf("Failed to write response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{
		"status":   "OK",
		"datetime": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{
		"publicKey": s.cfg.ApplicationServerKey,
	})
}

// scriptConfig is exposed to the client script as self.pushsubConfig.
type scriptConfig struct {
	Name              string `json:"name"`
	ServiceWorkerPath string `json:"serviceWorkerPath"`
	ReportPath        string `json:"reportPath"`
	Username          string `json:"username,omitempty"`
	ServerKey         string `json:"serverKey"`
	AwaitPermission   bool   `json:"awaitPermission,omitempty"`
	// Wasm tells the script to load the handshake from /wasm/.
	Wasm bool `json:"wasm,omitempty"`
}

func (s *Server) handleScript(v pushsub.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := json.Marshal(scriptConfig{
			Name:              v.Name,
			ServiceWorkerPath: v.ServiceWorkerPath,
			ReportPath:        v.ReportPath,
			Username:          v.Username,
			ServerKey:         s.cfg.ApplicationServerKey,
			AwaitPermission:   v.AwaitPermission,
			Wasm:              s.wasm != nil,
		})
		if err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		fmt.Fprintf(w, "self.pushsubConfig = %s;\n", cfg)
		w.Write(vapid.Render(subscribeScript, s.cfg.ApplicationServerKey)) //nolint:errcheck
	}
}

func (s *Server) handleWasm(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		http.ServeFileFS(w, r, s.wasm, name)
	}
}

type addSubResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
}

func (s *Server) handleAddSub(v pushsub.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := clog.FromContext(ctx).With("variant", v.Name)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(ctx, w, http.StatusBadRequest, addSubResponse{ErrMsg: "Unreadable body"})
			return
		}
		log.Debugf("Incoming web-push sub: %s", string(body))

		var (
			username string
			sub      *pushsub.Subscription
		)
		if v.Wrapped() {
			var wrapped pushsub.WrappedSubscription
			if err := json.Unmarshal(body, &wrapped); err != nil {
				writeJSON(ctx, w, http.StatusBadRequest, addSubResponse{ErrMsg: "Invalid JSON: " + err.Error()})
				return
			}
			if wrapped.PushSub == nil {
				writeJSON(ctx, w, http.StatusBadRequest, addSubResponse{ErrMsg: "push_sub is required"})
				return
			}
			username, sub = wrapped.Username, wrapped.PushSub
			if err := sub.Validate(); err != nil {
				writeJSON(ctx, w, http.StatusBadRequest, addSubResponse{ErrMsg: err.Error()})
				return
			}
		} else {
			sub, err = pushsub.ParseSubscription(body)
			if err != nil {
				writeJSON(ctx, w, http.StatusBadRequest, addSubResponse{ErrMsg: err.Error()})
				return
			}
		}

		if v.Wrapped() && len(s.known) > 0 && !s.known[username] {
			log.Errorf("Did not find user profile for %q", username)
			writeJSON(ctx, w, http.StatusOK, addSubResponse{ErrMsg: "No such user"})
			return
		}

		existing, err := s.store.GetByEndpoint(ctx, sub.Endpoint)
		switch {
		case err == nil && existing.UserID == username:
			writeJSON(ctx, w, http.StatusOK, addSubResponse{Success: true, ID: existing.ID, Message: "Already subscribed"})
			return
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			log.Errorf("Failed to look up subscription: %v", err)
			writeJSON(ctx, w, http.StatusInternalServerError, addSubResponse{ErrMsg: "Internal error"})
			return
		}

		record := &storage.Record{
			ID:           uuid.New().String(),
			UserID:       username,
			Variant:      v.Name,
			Subscription: sub,
		}
		if existing != nil {
			// The browser moved to another user; keep its record ID.
			record.ID = existing.ID
			record.CreatedAt = existing.CreatedAt
		}
		if err := s.store.Save(ctx, record); err != nil {
			log.Errorf("Failed to store new sub: %v", err)
			writeJSON(ctx, w, http.StatusInternalServerError, addSubResponse{ErrMsg: "Internal error"})
			return
		}

		log.Infof("New subscription %s for %q", record.ID, username)
		writeJSON(ctx, w, http.StatusOK, addSubResponse{Success: true, ID: record.ID, Message: "Subscribed successfully"})
	}
}

type notifyRequest struct {
	Username string            `json:"username"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	TTL      int               `json:"ttl,omitempty"`
	Urgency  string            `json:"urgency,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req notifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		req.Title = "Notification"
	}

	res, err := s.sender.SendToUser(ctx, req.Username,
		notify.Message{Title: req.Title, Body: req.Body, Data: req.Data},
		&notify.Options{TTL: req.TTL, Urgency: req.Urgency},
	)
	if err != nil {
		clog.FromContext(ctx).Errorf("Failed to notify %q: %v", req.Username, err)
		http.Error(w, "Failed to send notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(ctx, w, http.StatusOK, res)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteByEndpoint(ctx, req.Endpoint); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Subscription not found", http.StatusNotFound)
			return
		}
		clog.FromContext(ctx).Errorf("Failed to delete subscription: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	clog.FromContext(ctx).Infof("Unsubscribed: %s", req.Endpoint)
	writeJSON(ctx, w, http.StatusOK, map[string]string{"message": "Unsubscribed successfully"})
}

// handlePing queues a notification to every subscriber and returns
// without waiting for delivery.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	if title == "" {
		title = "Ping!"
	}
	body := r.URL.Query().Get("body")
	if body == "" {
		body = "Someone pinged the server at " + time.Now().Format(time.RFC3339)
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := s.sender.SendToAll(ctx, notify.Message{Title: title, Body: body}, &notify.Options{TTL: 3600}); err != nil {
			clog.FromContext(ctx).Errorf("Ping failed: %v", err)
		}
	}()

	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"message": "Push notification queued"})
}
