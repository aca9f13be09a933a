// Command platform is the IEIM process entrypoint: a small subcommand
// dispatcher wiring the pipeline's components together the way
// cmd/platform/main.go has always wired this codebase's domain
// services, generalized from the teacher's single HTTP-server bootstrap
// to this system's poll/process/serve split.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attendite/ieim/internal/api"
	"github.com/attendite/ieim/internal/attachment"
	"github.com/attendite/ieim/internal/audit"
	"github.com/attendite/ieim/internal/auth"
	"github.com/attendite/ieim/internal/caseadapter"
	"github.com/attendite/ieim/internal/classify"
	"github.com/attendite/ieim/internal/config"
	"github.com/attendite/ieim/internal/determinism"
	"github.com/attendite/ieim/internal/hitl"
	"github.com/attendite/ieim/internal/identity"
	"github.com/attendite/ieim/internal/ieimerrors"
	"github.com/attendite/ieim/internal/ieimmodel"
	"github.com/attendite/ieim/internal/ingest"
	"github.com/attendite/ieim/internal/llm"
	"github.com/attendite/ieim/internal/metrics"
	"github.com/attendite/ieim/internal/pack"
	"github.com/attendite/ieim/internal/pipeline"
	"github.com/attendite/ieim/internal/rawstore"
	"github.com/attendite/ieim/internal/retention"
	"github.com/attendite/ieim/internal/route"
)

// App bundles every long-lived collaborator built from configuration,
// mirroring the teacher's App-struct-of-optional-dependencies shape so each
// subcommand can take only the pieces it needs.
type App struct {
	Config     *config.Config
	Pack       *pack.Config
	Ruleset    *route.Ruleset
	Logger     *slog.Logger
	Raw        *rawstore.Store
	Audit      *audit.Log
	HITL       *hitl.Store
	Attachment *attachment.Stage
	CaseDB     *pgxpool.Pool
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	packCfg, err := pack.Load(cfg.Store.PackConfig)
	if err != nil {
		logger.Error("failed to load pack config", "error", err, "path", cfg.Store.PackConfig)
		os.Exit(ieimerrors.CLIExitCode(ieimerrors.KindConfigInvalid))
	}

	rulesetData, err := os.ReadFile(cfg.Store.RulesetPath)
	if err != nil {
		logger.Error("failed to read ruleset", "error", err, "path", cfg.Store.RulesetPath)
		os.Exit(ieimerrors.CLIExitCode(ieimerrors.KindRulesInvalid))
	}
	ruleset, err := route.LoadRuleset(rulesetData)
	if err != nil {
		logger.Error("failed to load ruleset", "error", err)
		os.Exit(ieimerrors.CLIExitCode(ieimerrors.KindRulesInvalid))
	}

	app := &App{
		Config:  cfg,
		Pack:    packCfg,
		Ruleset: ruleset,
		Logger:  logger,
		Raw:     rawstore.New(filepath.Join(cfg.Store.RootDir, "raw_store")),
		Audit:   audit.New(filepath.Join(cfg.Store.RootDir, "audit")),
		HITL:    hitl.New(filepath.Join(cfg.Store.RootDir, "hitl")),
	}
	app.Attachment = &attachment.Stage{
		Raw:         app.Raw,
		AV:          attachment.PassthroughScanner{},
		ArtifactDir: filepath.Join(cfg.Store.RootDir, "artifacts", "attachments"),
	}

	if dsn := os.Getenv("IEIM_CASE_DATABASE_URL"); dsn != "" {
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			logger.Warn("case database not available, falling back to filesystem case adapter", "error", err)
		} else {
			app.CaseDB = pool
			defer pool.Close()
		}
	}

	var cmdErr error
	switch cmd {
	case "serve":
		cmdErr = app.runServe()
	case "ingest":
		cmdErr = app.runIngest()
	case "process":
		cmdErr = app.runProcess(context.Background())
	case "retention":
		cmdErr = app.runRetention()
	case "verify-audit":
		cmdErr = app.runVerifyAudit()
	default:
		usage()
		os.Exit(1)
	}

	if cmdErr != nil {
		logger.Error("command failed", "command", cmd, "error", cmdErr)
		if ieimErr, ok := cmdErr.(*ieimerrors.Error); ok {
			os.Exit(ieimerrors.CLIExitCode(ieimErr.Kind))
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: platform <serve|ingest|process|retention|verify-audit>")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// caseAdapter resolves the configured case-management backend, falling
// back to the filesystem adapter when no database is wired -- matching the
// teacher's optional-dependency-with-warning pattern.
func (a *App) caseAdapter() caseadapter.Adapter {
	if a.CaseDB != nil {
		return caseadapter.NewPostgresAdapter(a.CaseDB)
	}
	return caseadapter.NewFilesystemAdapter(filepath.Join(a.Config.Store.RootDir, "cases"))
}

// llmProvider resolves the configured LLM provider per pack.yaml, failing
// closed to DisabledProvider when classification.llm is disabled or no
// Anthropic key is present (§4.G).
func (a *App) llmProvider() llm.Provider {
	llmCfg := a.Pack.Classification.LLM
	if !llmCfg.Enabled || a.Config.LLM.AnthropicAPIKey == "" {
		return llm.DisabledProvider{}
	}
	switch llmCfg.Provider {
	case "anthropic", "":
		return llm.NewAnthropicProvider(a.Config.LLM.AnthropicAPIKey, llmCfg.ModelName)
	default:
		a.Logger.Warn("unknown llm provider configured, disabling LLM fallback", "provider", llmCfg.Provider)
		return llm.DisabledProvider{}
	}
}

func (a *App) pipelineDeps() *pipeline.Deps {
	llmCfg := a.Pack.Classification.LLM
	artifactDir := filepath.Join(a.Config.Store.RootDir, "artifacts")
	return &pipeline.Deps{
		Lookup:             identity.NullLookup{},
		CRM:                identity.NullCRM{},
		ScoringConfig:      defaultScoringConfig(),
		SupportedLanguages: a.Pack.SupportedLanguages,
		IBANPolicy: classify.IBANPolicy{
			Enabled:   a.Pack.Extraction.IBANPolicy.Enabled,
			StoreMode: a.Pack.Extraction.IBANPolicy.StoreMode,
		},
		LLMProvider:     a.llmProvider(),
		LLMCache:        llm.NewCache(filepath.Join(a.Config.Store.RootDir, "llm_cache")),
		LLMCounter:      llm.NewDailyCounter(filepath.Join(a.Config.Store.RootDir, "llm_daily_count.json")),
		LLMMaxPerDay:    llmCfg.MaxCallsPerDay,
		LLMEnabled:      llmCfg.Enabled && !a.Pack.Incident.DisableLLM,
		DeterminismMode: a.Pack.DeterminismMode,
		Ruleset:         a.Ruleset,
		Incident: route.Incident{
			ForceReview:                 a.Pack.Incident.ForceReview,
			ForceReviewQueueID:          a.Pack.Incident.ForceReviewQueueID,
			BlockCaseCreateRiskFlagsAny: a.Pack.Incident.BlockCaseCreateRiskFlagsAny,
		},
		CaseAdapter:         a.caseAdapter(),
		Audit:               a.Audit,
		HITL:                a.HITL,
		ArtifactDir:         artifactDir,
		ConfigRef:           ieimmodel.ArtifactRef{URI: a.Pack.Ref().Path, SHA256: a.Pack.Ref().SHA256},
		RulesRef:            ieimmodel.ArtifactRef{URI: a.Pack.Routing.RulesetPath, SHA256: determinism.Sha256Prefixed(mustReadFile(a.Config.Store.RulesetPath))},
		SystemID:            a.Pack.SystemID,
		CanonicalSpecSemver: a.Pack.CanonicalSpecSemver,
	}
}

// defaultScoringConfig is the identity resolver's weighted-signal
// configuration. Weights/strengths mirror the fixtures in
// internal/identity/identity_test.go, plus SIG_SENDER_EMAIL_MATCH at MEDIUM
// strength (ieim/identity/resolver.py:152-163) -- the only signal that can
// ever put a candidate into IDENTITY_PROBABLE rather than
// IDENTITY_CONFIRMED/IDENTITY_NEEDS_REVIEW. A deployment overriding these
// per identifier kind would extend pack.Config, which is an Open Question
// tracked in DESIGN.md since the distilled spec does not name a config
// surface for per-signal weights.
func defaultScoringConfig() identity.ScoringConfig {
	return identity.ScoringConfig{
		Intercept: 0.0,
		Slope:     1.0,
		Signals: map[string]identity.SignalConfig{
			identity.KindClaimNumber:     {Weight: 0.91, Strength: identity.StrengthHard},
			identity.KindPolicyNumber:    {Weight: 0.86, Strength: identity.StrengthHard},
			identity.SigSenderEmailMatch: {Weight: 0.35, Strength: identity.StrengthMedium},
		},
		ConfirmedMinScore:  0.90,
		ConfirmedMinMargin: 0.20,
		ProbableMinScore:   0.70,
		ProbableMinMargin:  0.05,
		TopK:               5,
	}
}

func mustReadFile(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

// mailAdapter resolves the configured inbound mail source (§6). Defaults
// to the filesystem test-corpus adapter for local/dev use.
func (a *App) mailAdapter() (ingest.MailAdapter, func(chi.Router), error) {
	dir := filepath.Join(a.Config.Store.RootDir, "inbox")
	switch os.Getenv("IEIM_MAIL_ADAPTER") {
	case "imap":
		return &ingest.IMAPAdapter{
			Addr:     os.Getenv("IEIM_IMAP_ADDR"),
			Username: os.Getenv("IEIM_IMAP_USERNAME"),
			Password: os.Getenv("IEIM_IMAP_PASSWORD"),
			Mailbox:  orDefault(os.Getenv("IEIM_IMAP_MAILBOX"), "INBOX"),
		}, nil, nil
	case "graph":
		return &ingest.GraphAdapter{
			AccessToken: os.Getenv("IEIM_GRAPH_ACCESS_TOKEN"),
			UserID:      os.Getenv("IEIM_GRAPH_USER_ID"),
		}, nil, nil
	case "smtp_gateway":
		gw := &ingest.SMTPGatewayAdapter{FilesystemAdapter: ingest.FilesystemAdapter{Dir: dir}}
		return gw, func(r chi.Router) { r.Mount("/ingest-gateway", gw.Routes()) }, nil
	default:
		return &ingest.FilesystemAdapter{Dir: dir}, nil, nil
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// runIngest performs one ingest tick: poll the configured mail adapter,
// dedupe, normalize, persist attachments, write audit events.
func (a *App) runIngest() error {
	adapter, _, err := a.mailAdapter()
	if err != nil {
		return err
	}
	runner := &ingest.Runner{
		Adapter:       adapter,
		Raw:           a.Raw,
		Attachments:   a.Attachment,
		Audit:         a.Audit,
		NormalizedDir: filepath.Join(a.Config.Store.RootDir, "normalized"),
		StateDir:      filepath.Join(a.Config.Store.RootDir, "state"),
	}
	result, err := runner.Tick(100)
	if err != nil {
		return err
	}
	a.Logger.Info("ingest tick complete", "processed", result.Processed, "skipped", result.Skipped, "cursor", result.Cursor)
	return nil
}

// runProcess scans normalized/ for messages that have not yet produced a
// routing artifact and drives each through the pipeline orchestrator via a
// bounded worker pool, grounded in the teacher's internal/coordination
// worker-pool shape (internal/pipeline.Pool).
func (a *App) runProcess(ctx context.Context) error {
	deps := a.pipelineDeps()
	normalizedDir := filepath.Join(a.Config.Store.RootDir, "normalized")
	routingDir := filepath.Join(deps.ArtifactDir, "routing")
	attachmentArtifactDir := filepath.Join(a.Config.Store.RootDir, "artifacts", "attachments")

	entries, err := os.ReadDir(normalizedDir)
	if err != nil {
		if os.IsNotExist(err) {
			a.Logger.Info("no normalized messages to process")
			return nil
		}
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "process: list normalized dir", err)
	}

	pool := pipeline.NewPool(workerCount(), len(entries)+1, a.Logger)
	pool.Start(ctx)
	defer pool.Stop()

	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		messageID := strings.TrimSuffix(entry.Name(), ".json")
		if _, err := os.Stat(filepath.Join(routingDir, messageID+".json")); err == nil {
			continue // already processed
		}

		path := filepath.Join(normalizedDir, entry.Name())
		msgPath := path
		submitErr := pool.Submit(ctx, func(jobCtx context.Context) {
			if err := a.processOne(jobCtx, deps, msgPath, attachmentArtifactDir); err != nil {
				a.Logger.Error("pipeline run failed", "message_path", msgPath, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		})
		if submitErr != nil {
			return submitErr
		}
	}
	pool.Stop()
	return firstErr
}

func workerCount() int {
	if v := os.Getenv("IEIM_PIPELINE_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return 4
}

func (a *App) processOne(ctx context.Context, deps *pipeline.Deps, normalizedPath, attachmentArtifactDir string) error {
	data, err := os.ReadFile(normalizedPath)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "process: read normalized message", err)
	}
	var msg ieimmodel.NormalizedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindNormalizationInvalid, "process: decode normalized message", err)
	}

	attachmentTexts := make(map[string]string, len(msg.AttachmentIDs))
	var docTypes []string
	anyUnclean := false
	allClean := true
	attachmentRefs := make([]ieimmodel.ArtifactRef, 0, len(msg.AttachmentIDs))

	for _, id := range msg.AttachmentIDs {
		artifactPath := filepath.Join(attachmentArtifactDir, id+".artifact.json")
		raw, err := os.ReadFile(artifactPath)
		if err != nil {
			return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "process: read attachment artifact", err)
		}
		var artifact ieimmodel.AttachmentArtifact
		if err := json.Unmarshal(raw, &artifact); err != nil {
			return ieimerrors.Wrap(ieimerrors.KindNormalizationInvalid, "process: decode attachment artifact", err)
		}
		attachmentRefs = append(attachmentRefs, ieimmodel.ArtifactRef{
			SchemaID: artifact.SchemaID, URI: artifactPath, SHA256: determinism.Sha256Prefixed(raw),
		})
		if artifact.AVStatus != string(attachment.AVClean) {
			anyUnclean = true
			allClean = false
			continue
		}
		docTypes = append(docTypes, artifact.DocTypeCandidates...)
		if artifact.ExtractedTextURI == "" {
			continue
		}
		text, err := a.Raw.Get(rawstore.Ref{Kind: "attachment_text", URI: artifact.ExtractedTextURI, SHA256: artifact.ExtractedTextSHA256})
		if err != nil {
			return err
		}
		attachmentTexts[id] = string(text)
	}

	originalEmail := ieimmodel.ArtifactRef{URI: msg.RawMimeURI, SHA256: msg.RawMimeSHA256}

	_, err = deps.Run(ctx, msg, attachmentTexts, docTypes, anyUnclean, allClean, originalEmail, attachmentRefs)
	return err
}

// runRetention sweeps raw_store/, normalized/, and audit/ for artifacts
// older than the pack's retention policy (component P).
func (a *App) runRetention() error {
	report, err := retention.Sweep(a.Config.Store.RootDir, a.Pack.Retention.RawDays, a.Pack.Retention.NormalizedDays, a.Pack.Retention.AuditYears)
	if err != nil {
		return err
	}
	a.Logger.Info("retention sweep complete", "report", report)
	return nil
}

// runVerifyAudit walks every (message_id, run_id) audit file under
// audit/ and verifies its hash chain, exiting 60 on the first break.
func (a *App) runVerifyAudit() error {
	auditDir := filepath.Join(a.Config.Store.RootDir, "audit")
	messageDirs, err := os.ReadDir(auditDir)
	if err != nil {
		if os.IsNotExist(err) {
			a.Logger.Info("no audit logs to verify")
			return nil
		}
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "verify-audit: list audit dir", err)
	}
	checked := 0
	for _, msgDir := range messageDirs {
		if !msgDir.IsDir() {
			continue
		}
		runFiles, err := os.ReadDir(filepath.Join(auditDir, msgDir.Name()))
		if err != nil {
			return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "verify-audit: list run files", err)
		}
		for _, runFile := range runFiles {
			if !strings.HasSuffix(runFile.Name(), ".jsonl") {
				continue
			}
			runID := strings.TrimSuffix(runFile.Name(), ".jsonl")
			path := filepath.Join(auditDir, msgDir.Name(), runFile.Name())
			result, err := audit.Verify(path, msgDir.Name(), runID)
			if err != nil {
				return err
			}
			if !result.OK() {
				return ieimerrors.New(ieimerrors.KindAuditChainBroken, "verify-audit: "+path+": "+strings.Join(result.Errors, "; "))
			}
			checked++
		}
	}
	a.Logger.Info("audit verification complete", "files_checked", checked)
	return nil
}

// runServe starts the HTTP API: review endpoints, health, metrics, and
// (if configured) the SMTP push-ingest receiver, behind the same
// middleware stack and graceful-shutdown pattern as the teacher's
// cmd/platform/main.go.
func (a *App) runServe() error {
	sessions := auth.NewInMemorySessionStore()
	// A JWKSCache is always constructed, even with an empty URL when OIDC is
	// disabled, so the bearer-auth path fails closed with a fetch error
	// rather than a nil-pointer panic on an unauthenticated request.
	jwksURL := ""
	if a.Pack.Auth.OIDC.Enabled {
		jwksURL = a.Pack.Auth.OIDC.IssuerURL + "/.well-known/jwks.json"
	}
	jwks := auth.NewJWKSCache(jwksURL, time.Hour)

	handler := api.NewHandler(a.HITL, a.Pack.RBAC)
	rateLimiter := api.NewIPRateLimiter(10, 20)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(api.SecurityHeaders)
	r.Use(api.RequestLogger(a.Logger))
	r.Use(rateLimiter.Middleware)
	r.Use(metrics.Middleware)

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/healthz", handler.Healthz)
	r.Group(func(gr chi.Router) {
		gr.Use(auth.Middleware(jwks, sessions, "ieim_session"))
		gr.Mount("/", handler.Routes())
	})

	if _, mount, err := a.mailAdapter(); err == nil && mount != nil {
		mount(r)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-quit
		a.Logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.Logger.Error("graceful shutdown failed", "error", err)
		}
		close(done)
	}()

	a.Logger.Info("serving", "addr", srv.Addr, "env", a.Config.Server.Env)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "serve: listen", err)
	}
	<-done
	return nil
}
