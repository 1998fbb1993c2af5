// Command tidelined is the process entry point: it loads configuration,
// wires every component in §4 of SPEC_FULL.md together, and serves the
// WebSocket edge until a shutdown signal arrives. Grounded on the
// teacher's server/main.go wiring order (store -> hub -> push -> serve)
// and server/shutdown.go's signal-driven graceful stop, restructured
// around context cancellation instead of a bespoke stop channel.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tideline-chat/core/internal/audit"
	"github.com/tideline-chat/core/internal/authtoken"
	"github.com/tideline-chat/core/internal/config"
	"github.com/tideline-chat/core/internal/dispatcher"
	"github.com/tideline-chat/core/internal/hub"
	"github.com/tideline-chat/core/internal/idgen"
	"github.com/tideline-chat/core/internal/metrics"
	"github.com/tideline-chat/core/internal/moderation"
	"github.com/tideline-chat/core/internal/presence"
	"github.com/tideline-chat/core/internal/profanity"
	"github.com/tideline-chat/core/internal/push"
	"github.com/tideline-chat/core/internal/push/fcm"
	"github.com/tideline-chat/core/internal/sequencer"
	"github.com/tideline-chat/core/internal/spam"
	"github.com/tideline-chat/core/internal/store"
	"github.com/tideline-chat/core/internal/store/adapter"
	"github.com/tideline-chat/core/internal/store/memstore"
	"github.com/tideline-chat/core/internal/store/mysql"
	t "github.com/tideline-chat/core/internal/store/types"
	"github.com/tideline-chat/core/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tidelined:", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	if err := run(cfg, log); err != nil {
		log.Error("tidelined: fatal", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the ambient logger: tint for human-readable colored
// dev output, slog's JSON handler in production, per SPEC_FULL.md §3.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLevel(cfg.Log.Level)
	if cfg.Log.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	db, err := openAdapter(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ids, err := idgen.New(cfg.IDGen.WorkerID)
	if err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}
	st := store.New(db, ids, nil)

	if err := ensureOwner(ctx, db, st); err != nil {
		return fmt.Errorf("bootstrap owner: %w", err)
	}

	seq := sequencer.New(st)
	if err := seq.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile sequencer: %w", err)
	}

	h := hub.New(seq, st, log, cfg.Hub.FlushDelay, cfg.Hub.SigCacheSize)

	terms, err := st.LoadBlocklist(ctx)
	if err != nil {
		return fmt.Errorf("load blocklist: %w", err)
	}
	whitelist, err := loadWhitelist(cfg.Blocklist.Path)
	if err != nil {
		return fmt.Errorf("load blocklist whitelist: %w", err)
	}
	filter := profanity.New(terms, whitelist)

	spamMonitor := spam.New()
	spamMonitor.GracePeriod = cfg.Spam.GracePeriod

	presenceEngine := presence.New(h)
	go presenceEngine.Run(ctx)

	sweeper := store.NewRetentionSweeper(st, log)
	go sweeper.Run(ctx)

	notifier := push.New(buildPushHandler(ctx, cfg, log), log, 1024)
	defer notifier.Stop()

	auditSink := audit.New(audit.Config{
		Path:       cfg.Audit.Dir + "/chat.log",
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
	})

	mod := moderation.New(st, h, filter, spamMonitor, auditSink, whitelist)

	reg := prometheus.NewRegistry()
	mx := metrics.New(reg)

	disp := dispatcher.New(log, st, h, filter, spamMonitor, presenceEngine, notifier, auditSink, mod, mx)

	key, err := hex.DecodeString(cfg.Auth.HMACKeyHex)
	if err != nil {
		return fmt.Errorf("decode auth.hmac_key_hex: %w", err)
	}
	authn, err := authtoken.New(key, cfg.Auth.DefaultLifetime, cfg.Auth.Serial)
	if err != nil {
		return fmt.Errorf("init authenticator: %w", err)
	}

	srv := transport.New(log, h, disp, authn, st, auditSink, mx)

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("tidelined: listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			log.Info("tidelined: metrics listening", "addr", cfg.Metrics.Listen)
			_ = metricsSrv.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("tidelined: shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func openAdapter(cfg *config.Config) (adapter.Adapter, error) {
	var db adapter.Adapter
	switch cfg.DB.Driver {
	case "memstore":
		db = memstore.New()
	default:
		db = mysql.New()
	}
	if err := db.Open(cfg.DB.DSN); err != nil {
		return nil, err
	}
	return db, nil
}

// ensureOwner bootstraps the privileged t.OwnerUid account on a fresh
// store, matching spec.md §4.1's "only the owner may register first"
// rule: here, on an empty user table, the owner account is provisioned
// so the deployer has an initial account rather than racing registrants
// for the owner slot.
func ensureOwner(ctx context.Context, db adapter.Adapter, st *store.Store) error {
	n, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := st.CreateOwner(ctx, "owner", "Owner", ""); err != nil {
		return fmt.Errorf("tidelined: bootstrap owner: %w", err)
	}
	return nil
}

// loadWhitelist reads the deploy-time profanity-filter carve-out
// (spec.md §4.2 step 4) from a JSON array of phrases at path. The file
// is optional: a fresh deployment has none, so a missing file is not
// an error, only a malformed one is.
func loadWhitelist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var whitelist []string
	if err := json.Unmarshal(data, &whitelist); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return whitelist, nil
}

// noopPushHandler discards every notification; used when FCM isn't
// configured so the Notifier still has a Handler to call into without
// special-casing "push disabled" throughout the dispatcher.
type noopPushHandler struct{}

func (noopPushHandler) Send(context.Context, t.Uid, push.Payload) error { return nil }

// emptyDeviceDirectory resolves no tokens for anyone; device-token
// registration is a Non-goal of this spec (spec.md §1 Push notification
// delivery is an external collaborator), so the FCM handler here only
// ever fans out to whatever a future registration surface populates.
type emptyDeviceDirectory struct{}

func (emptyDeviceDirectory) TokensFor(context.Context, t.Uid) ([]string, error) { return nil, nil }

func buildPushHandler(ctx context.Context, cfg *config.Config, log *slog.Logger) push.Handler {
	if !cfg.FCM.Enabled {
		return noopPushHandler{}
	}
	h, err := fcm.New(ctx, cfg.FCM.CredentialsFile, emptyDeviceDirectory{})
	if err != nil {
		log.Error("tidelined: fcm init failed, falling back to no-op notifier", "error", err)
		return noopPushHandler{}
	}
	return h
}
