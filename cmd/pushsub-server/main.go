// Command pushsub-server serves the push subscription bootstrap script,
// collects the subscriptions it reports, and delivers notifications to them.
//
// Configuration is read from the environment:
//
//	PORT               listen port (default 8080)
//	DB_PATH            SQLite database path (default subscriptions.db)
//	KEY_PATH           VAPID private key PEM, generated if missing
//	VAPID_PRIVATE_KEY  base64url private key, used instead of KEY_PATH
//	KMS_KEY_NAME       Cloud KMS key version to sign with instead of KEY_PATH
//	SUBJECT            VAPID subject (default mailto:admin@example.com)
//	VARIANTS_FILE      YAML file of variants (default: gcm and wwwpush)
//	KNOWN_USERS        comma-separated usernames accepted by wrapped variants
//	PING_INTERVAL      broadcast a notification on this interval, if set
//	WASM_DIR           directory holding pushsub.wasm and wasm_exec.js
//
// "pushsub-server genkey" prints a new key pair for VAPID_PRIVATE_KEY and
// exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"

	"github.com/imjasonh/pushsub"
	"github.com/imjasonh/pushsub/keys"
	"github.com/imjasonh/pushsub/notify"
	"github.com/imjasonh/pushsub/server"
	"github.com/imjasonh/pushsub/storage"
)

type config struct {
	Port         int           `env:"PORT, default=8080"`
	DBPath       string        `env:"DB_PATH, default=subscriptions.db"`
	KeyPath      string        `env:"KEY_PATH, default=vapid-private.pem"`
	PrivateKey   string        `env:"VAPID_PRIVATE_KEY"`
	KMSKeyName   string        `env:"KMS_KEY_NAME"`
	Subject      string        `env:"SUBJECT, default=mailto:admin@example.com"`
	VariantsFile string        `env:"VARIANTS_FILE"`
	KnownUsers   []string      `env:"KNOWN_USERS"`
	PingInterval time.Duration `env:"PING_INTERVAL"`
	WasmDir      string        `env:"WASM_DIR"`
	LogLevel     string        `env:"LOG_LEVEL, default=info"`
}

// signer is what both key backends provide.
type signer interface {
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	PublicKey() []byte
	PublicKeyBase64() string
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "genkey" {
		priv, pub, err := keys.GenerateKeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PRIVATE_KEY=%s\n", priv)
		fmt.Printf("# application server key: %s\n", pub)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to process env: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	ctx = clog.WithLogger(ctx, clog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(ctx, cfg); err != nil {
		clog.FromContext(ctx).Errorf("Server failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	log := clog.FromContext(ctx)

	variants := []pushsub.Variant{pushsub.GCM, pushsub.WWWPush}
	if cfg.VariantsFile != "" {
		data, err := os.ReadFile(cfg.VariantsFile)
		if err != nil {
			return fmt.Errorf("reading variants: %w", err)
		}
		if variants, err = pushsub.ParseVariants(data); err != nil {
			return fmt.Errorf("parsing %s: %w", cfg.VariantsFile, err)
		}
	}

	sig, closeSigner, err := loadSigner(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSigner()
	log.Infof("VAPID Public Key: %s", sig.PublicKeyBase64())

	store, err := storage.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()
	log.Infof("SQLite storage initialized at %s", cfg.DBPath)

	sender := notify.NewSender(store, sig, cfg.Subject)
	srv, err := server.New(ctx, server.Config{
		Variants:             variants,
		ApplicationServerKey: sig.PublicKeyBase64(),
		KnownUsers:           cfg.KnownUsers,
		WasmDir:              cfg.WasmDir,
	}, store, sender)
	if err != nil {
		return err
	}

	if cfg.PingInterval > 0 {
		go periodicPush(ctx, sender, cfg.PingInterval)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Shutdown: %v", err)
		}
	}()

	for _, v := range variants {
		log.Infof("Variant %s: script /%s/js/subscribe.js, reports to %s", v.Name, v.Name, v.ReportPath)
	}
	log.Infof("Server starting on port %d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadSigner picks the key backend: KMS, an inline private key, or a PEM
// file that is generated on first run.
func loadSigner(ctx context.Context, cfg config) (signer, func(), error) {
	switch {
	case cfg.KMSKeyName != "":
		k, err := keys.NewKMS(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, nil, err
		}
		clog.FromContext(ctx).Infof("Signing with KMS key %s", cfg.KMSKeyName)
		return k, func() { k.Close() }, nil
	case cfg.PrivateKey != "":
		k, err := keys.FromBase64(cfg.PrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("VAPID_PRIVATE_KEY: %w", err)
		}
		return k, func() {}, nil
	default:
		k, err := keys.LoadOrGenerate(ctx, cfg.KeyPath)
		if err != nil {
			return nil, nil, err
		}
		return k, func() {}, nil
	}
}

// periodicPush broadcasts a notification to every subscriber on each tick.
func periodicPush(ctx context.Context, sender *notify.Sender, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := notify.Message{Title: "Periodic Update", Body: fmt.Sprintf("This notification is sent every %s!", every)}
			if _, err := sender.SendToAll(ctx, msg, &notify.Options{TTL: 3600, Urgency: "normal"}); err != nil {
				clog.FromContext(ctx).Errorf("Periodic push failed: %v", err)
			}
		}
	}
}
