// Command knoxd runs the Knox Core daemon: the HTTP surface (internal/httpapi)
// and the Job Runner worker pool (internal/jobs) side by side against one
// Entity Store, sharing every other component — the Masker, Privacy Guard,
// File Vault, Sanitization Service, Transcription Service, KnoxInputPack
// Builder, Knox Orchestrator, and Secure Delete — as plain Go values passed
// by reference, no DI framework. Grounded on the teacher's
// services/control-plane/coordinator/main.go wiring shape (env-driven
// config, context-cancel-on-signal shutdown, http.Server with explicit
// timeouts).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"filippo.io/age"
	"golang.org/x/sync/errgroup"

	"github.com/fortdesk/knoxcore/internal/httpapi"
	"github.com/fortdesk/knoxcore/internal/jobs"
	"github.com/fortdesk/knoxcore/internal/knoxpack"
	"github.com/fortdesk/knoxcore/internal/masker"
	"github.com/fortdesk/knoxcore/internal/orchestrator"
	"github.com/fortdesk/knoxcore/internal/policy"
	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/internal/sanitize"
	"github.com/fortdesk/knoxcore/internal/securedelete"
	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/internal/transcribe"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	"github.com/fortdesk/knoxcore/pkg/config"
	"github.com/fortdesk/knoxcore/pkg/queue"
	"github.com/fortdesk/knoxcore/pkg/telemetry"
)

// daemonConfig is the layer of knoxd's configuration that can come from a
// file instead of bare env vars: the DSN, HTTP listen address, and vault
// directory. Everything else (feature toggles, concurrency, remote URLs)
// stays plain env, matching the "unchanged algorithm, env-driven wiring"
// shape the rest of this file uses.
type daemonConfig struct {
	DSN      string `json:"dsn"`
	HTTPAddr string `json:"http_addr"`
	VaultDir string `json:"vault_dir"`
}

// loadDaemonConfig starts from env defaults and, when KNOX_CONFIG_DIR is
// set, layers a file-based bundle on top via pkg/config.Loader — the
// deterministic base -> env -> tenant -> env-var-override merge the
// teacher's services use for their own per-service config files, wired
// here onto knoxd's three file-worthy settings. Per-field: a present,
// non-empty value in the loaded bundle wins; anything absent keeps the
// env/default value.
func loadDaemonConfig(ctx context.Context) (daemonConfig, error) {
	cfg := daemonConfig{
		DSN:      envDefault("KNOX_DSN", "knox.db"),
		HTTPAddr: envDefault("KNOX_HTTP_ADDR", ":8088"),
		VaultDir: envDefault("KNOX_VAULT_DIR", "data/vault"),
	}
	root := strings.TrimSpace(os.Getenv("KNOX_CONFIG_DIR"))
	if root == "" {
		return cfg, nil
	}
	loader, err := config.NewLoader(root, config.Options{
		Service:            "knoxd",
		Env:                strings.TrimSpace(os.Getenv("KNOX_ENV")),
		EnableEnvOverrides: true,
	})
	if err != nil {
		return cfg, fmt.Errorf("config loader: %w", err)
	}
	bundle, err := loader.Load(ctx)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	raw, err := bundle.CanonicalJSON()
	if err != nil {
		return cfg, fmt.Errorf("canonicalize config: %w", err)
	}
	var layered struct {
		Merged daemonConfig `json:"merged"`
	}
	if err := json.Unmarshal(raw, &layered); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if layered.Merged.DSN != "" {
		cfg.DSN = layered.Merged.DSN
	}
	if layered.Merged.HTTPAddr != "" {
		cfg.HTTPAddr = layered.Merged.HTTPAddr
	}
	if layered.Merged.VaultDir != "" {
		cfg.VaultDir = layered.Merged.VaultDir
	}
	return cfg, nil
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return v == "1" || strings.EqualFold(v, "true")
}

func main() {
	logger := telemetry.NewDefaultLogger(os.Stdout, "knoxd")

	if err := run(logger); err != nil {
		logger.Error(context.Background(), "knoxd_exit_error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(logger *telemetry.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadDaemonConfig(ctx)
	if err != nil {
		return fmt.Errorf("load daemon config: %w", err)
	}

	st, err := store.Open(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	guardMode := privacy.Permissive
	secureDeleteMode := securedelete.PROD
	if envBool("DEBUG") {
		guardMode = privacy.Strict
		secureDeleteMode = securedelete.DEV
	}
	guard := privacy.NewGuard(guardMode, logger)

	v, err := vault.New(vault.Options{
		Dir:          cfg.VaultDir,
		MaxBytes:     httpapi.MaxUploadBytes,
		AgeRecipient: strings.TrimSpace(os.Getenv("KNOX_VAULT_AGE_RECIPIENT")),
	})
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	var identity age.Identity
	if raw := strings.TrimSpace(os.Getenv("KNOX_VAULT_AGE_IDENTITY")); raw != "" {
		id, err := age.ParseX25519Identity(raw)
		if err != nil {
			return fmt.Errorf("parse KNOX_VAULT_AGE_IDENTITY: %w", err)
		}
		identity = id
	}

	maskerRegistry, err := masker.Default()
	if err != nil {
		return fmt.Errorf("load masker rules: %w", err)
	}

	policies, err := policy.Default()
	if err != nil {
		return fmt.Errorf("load policy set: %w", err)
	}

	sanitizer := sanitize.NewService(st, v, guard, maskerRegistry, identity)

	initialRules, err := transcribe.DefaultRuleSet()
	if err != nil {
		return fmt.Errorf("load default refinement rules: %w", err)
	}
	ruleWatcher, err := transcribe.NewRuleSetWatcher(envDefault("KNOX_REFINE_RULES_DIR", "data/refine-rules"), initialRules, logger)
	if err != nil {
		return fmt.Errorf("start refinement rule watcher: %w", err)
	}
	defer ruleWatcher.Close()

	sttClient := transcribe.NewHTTPSTT(transcribe.LoadHTTPSTTConfigFromEnv())
	transcriber := transcribe.NewService(sttClient, v, ruleWatcher, sanitizer, st, guard)

	packBuilder := knoxpack.NewBuilder(st, st, st)

	var remote orchestrator.RemoteCaller
	if fixtureDir := strings.TrimSpace(os.Getenv("FORTKNOX_TESTMODE_DIR")); fixtureDir != "" {
		remote = orchestrator.FixtureRemote{Dir: fixtureDir}
	} else {
		remote = orchestrator.NewHTTPRemote(strings.TrimSpace(os.Getenv("FORTKNOX_REMOTE_URL")))
	}
	orch := orchestrator.NewOrchestrator(packBuilder, policies, st, st, guard, remote, logger)

	deleter := securedelete.NewSecureDelete(st, v, st, guard, secureDeleteMode, logger)

	sq := jobs.NewStoreQueue(st)
	notifier := jobs.NewNotifier()
	pool := jobs.NewPool(sq)

	reaper := jobs.NewReaper(st, logger)
	if err := reaper.Start(envDefault("KNOX_REAPER_CRON", "*/30 * * * * *")); err != nil {
		return fmt.Errorf("start job reaper: %w", err)
	}
	defer reaper.Stop()

	deps := httpapi.Deps{
		Store:       st,
		Sanitizer:   sanitizer,
		Transcriber: transcriber,
		Compiler:    orch,
		Deleter:     deleter,
		Vault:       v,
		Jobs:        sq,
		Logger:      logger,
		Meter:       telemetry.NopMeterInstance,
	}
	router := httpapi.NewRouter(deps)

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.HandleFunc("/ws/jobs", func(w http.ResponseWriter, r *http.Request) {
		if err := notifier.ServeWatch(w, r); err != nil {
			logger.Warn(r.Context(), "jobs_watch_closed", map[string]any{"error": err.Error()})
		}
	})

	addr := cfg.HTTPAddr
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(gctx, "knoxd_http_listening", map[string]any{"addr": addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return pool.Run(gctx, map[queue.QueueName]jobs.KindConfig{
			jobs.QueueTranscribe: {
				Concurrency: envInt("KNOX_TRANSCRIBE_CONCURRENCY", 2),
				Handler:     transcribeHandler(st, v, identity, transcriber, notifier),
			},
			jobs.QueueKnoxCompile: {
				Concurrency: envInt("KNOX_COMPILE_CONCURRENCY", 2),
				Handler:     compileHandler(st, orch, notifier),
			},
		})
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// transcribeHandler decodes an httpapi.RecordingJobPayload out of the
// claimed job's envelope, reads back the audio staged in the File Vault by
// the enqueue handler, runs the C6 pipeline, and finishes the job itself —
// the Runner only reports success/failure upstream, per jobs.HandlerFunc's
// contract. Transcribe stages the same bytes into the Vault a second time;
// content-addressing makes that a no-op dedup hit rather than a
// duplicate blob.
func transcribeHandler(st *store.Store, v *vault.Vault, identity age.Identity, transcriber *transcribe.Service, notifier *jobs.Notifier) jobs.HandlerFunc {
	return func(ctx context.Context, msg queue.DequeueResult) error {
		jobID := canonical.EntityID(msg.Env.ID)
		var payload httpapi.RecordingJobPayload
		if err := json.Unmarshal(msg.Env.Payload, &payload); err != nil {
			return fmt.Errorf("decode recording job payload: %w", err)
		}
		raw, err := v.Get(ctx, vault.BlobRef(payload.AudioBlobRef), identity)
		if err != nil {
			return fmt.Errorf("read staged audio: %w", err)
		}
		doc, err := transcriber.Transcribe(ctx, payload.ProjectID, payload.Filename, raw, payload.Mime)
		if err != nil {
			return err
		}
		if err := st.FinishJob(ctx, jobID, canonical.JobSucceeded, string(doc.ID), "", "", time.Now().UTC()); err != nil {
			return err
		}
		notifier.Publish(jobs.StatusChange{JobID: jobID, ProjectID: payload.ProjectID, Kind: canonical.JobTranscribe, Status: canonical.JobSucceeded})
		return nil
	}
}

// compileHandler mirrors transcribeHandler for knox_compile jobs, decoding
// httpapi.CompileJobPayload and running the exact same Orchestrator.Compile
// the synchronous HTTP path uses. A returned error (including a
// *orchestrator.CompileError) is handled the same way any handler failure
// is: the Runner's SingleAttemptRetryPolicy routes it straight to
// NackWithDeadLetter, which finishes the job as failed — this handler
// never calls FinishJob itself except on success.
func compileHandler(st *store.Store, orch *orchestrator.Orchestrator, notifier *jobs.Notifier) jobs.HandlerFunc {
	return func(ctx context.Context, msg queue.DequeueResult) error {
		jobID := canonical.EntityID(msg.Env.ID)
		var payload httpapi.CompileJobPayload
		if err := json.Unmarshal(msg.Env.Payload, &payload); err != nil {
			return fmt.Errorf("decode compile job payload: %w", err)
		}
		sel := knoxpack.Selection{}
		if len(payload.Selection.Include) > 0 {
			sel.Include = make(map[canonical.EntityID]struct{}, len(payload.Selection.Include))
			for _, id := range payload.Selection.Include {
				sel.Include[id] = struct{}{}
			}
		}
		if len(payload.Selection.Exclude) > 0 {
			sel.Exclude = make(map[canonical.EntityID]struct{}, len(payload.Selection.Exclude))
			for _, id := range payload.Selection.Exclude {
				sel.Exclude[id] = struct{}{}
			}
		}
		report, err := orch.Compile(ctx, payload.ProjectID, payload.PolicyID, payload.TemplateID, sel, "job_runner")
		if err != nil {
			return err
		}
		if err := st.FinishJob(ctx, jobID, canonical.JobSucceeded, string(report.ID), "", "", time.Now().UTC()); err != nil {
			return err
		}
		notifier.Publish(jobs.StatusChange{JobID: jobID, ProjectID: payload.ProjectID, Kind: canonical.JobKnoxCompile, Status: canonical.JobSucceeded})
		return nil
	}
}
