// Package orchestrator assembles the TaskClaw core from configuration and
// connects channels to the per-user dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/agent"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/config"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/database"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/dispatcher"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/media"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/memory"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/pipeline"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/scheduler"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/sealing"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/session"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/skills"
)

// Orchestrator owns every long-lived component. Fields are exported for
// the CLI and the gateway; they are set once by New.
type Orchestrator struct {
	Config *config.Config

	DB           *database.DB
	Secrets      *database.SecretStore
	Layout       skills.Layout
	Materializer *skills.Materializer
	Sessions     *session.Manager
	Agents       *agent.Cache
	Media        *media.Handler // nil when attachments are disabled
	Router       *channels.Router
	Dispatcher   *dispatcher.Dispatcher
	Processor    *pipeline.Processor
	Housekeeper  *scheduler.Housekeeper

	logger *slog.Logger
	ingest *ingress
}

// Options overrides collaborators, mostly for tests.
type Options struct {
	// Runtime replaces the runtime selected by agent.runtime.
	Runtime agent.Runtime

	// Sealer replaces the sealer resolved from the sealing config.
	Sealer database.Sealer
}

// New opens the database and wires every component. Call Close when done.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sealer := opts.Sealer
	if sealer == nil {
		s, err := ResolveSealer(cfg.Sealing, logger)
		if err != nil {
			return nil, err
		}
		sealer = s
	}

	runtime := opts.Runtime
	if runtime == nil {
		rt, err := NewRuntime(cfg.Agent)
		if err != nil {
			return nil, err
		}
		runtime = rt
	}

	db, err := database.Open(ctx, database.SQLiteConfig{
		Path:        cfg.Database.Path,
		JournalMode: cfg.Database.JournalMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		Config: cfg,
		DB:     db,
		Router: channels.NewRouter(),
		Layout: skills.Layout{
			Root:        cfg.Skills.Root,
			SharedDir:   cfg.Skills.SharedDir,
			SecretsFile: cfg.Skills.SecretsFile,
		},
		logger: logger,
	}
	o.Secrets = db.Secrets(sealer)
	o.Materializer = skills.NewMaterializer(o.Layout, skills.NewSecretStore(o.Layout, o.Secrets), logger)

	var extractor session.Extractor
	if cfg.Memory.Enabled {
		extractor = memory.NewFileExtractor(cfg.Memory.Dir, logger)
	}
	o.Sessions = session.NewManager(db.Sessions(), db.Turns(), extractor, session.Config{
		MaxMessages:       cfg.Session.MaxMessages,
		MaxHistory:        cfg.Session.MaxHistory,
		ExtractionTimeout: cfg.Session.ExtractionTimeout,
	}, logger)

	o.Agents = agent.NewCache(runtime, o.workspace, logger)

	var stager pipeline.Stager
	if cfg.Attachments.Enabled {
		o.Media = media.NewHandler(media.Config{
			WorkspaceRoot:     cfg.Workspace.Root,
			TempRoot:          cfg.Workspace.TempRoot,
			AllowedExtensions: cfg.Attachments.AllowedExtensions,
			MaxBytes:          cfg.Attachments.MaxBytes(),
			DownloadTimeout:   cfg.Attachments.DownloadTimeout,
		}, o.Router, db.Attachments(), logger)
		stager = o.Media
	}

	o.Processor = pipeline.New(o.Sessions, o.Materializer, o.Agents, stager, o.Router, pipeline.Config{
		MaxMessages:         cfg.Session.MaxMessages,
		ClearWorkspaceOnNew: cfg.Workspace.ClearOnNewSession,
	}, logger)

	o.Dispatcher = dispatcher.New(o.Processor, dispatcher.Config{
		MaxDepth:       cfg.Queue.MaxDepth,
		MaxConcurrency: cfg.Queue.MaxConcurrency,
		RatePerSecond:  cfg.Queue.RatePerSecond,
		Burst:          cfg.Queue.Burst,
		OnFailure:      o.Processor.ReportFailure,
	}, logger)
	o.Processor.SetQueue(o.Dispatcher)

	o.Housekeeper = scheduler.New(logger)
	if o.Media != nil {
		if err := o.addHousekeeping(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	o.ingest = newIngress(o.Router, o.Dispatcher, logger)
	return o, nil
}

// ResolveSealer returns the secret sealer configured by cfg, or nil when
// sealing is disabled.
func ResolveSealer(cfg config.SealingConfig, logger *slog.Logger) (database.Sealer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	s, source, err := sealing.Resolve(sealing.Source{
		KeyringService: cfg.KeyringService,
		IdentityFile:   cfg.IdentityFile,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve sealing identity: %w", err)
	}
	logger.Info("secret sealing enabled", "identity_source", source, "recipient", s.Recipient())
	return s, nil
}

// NewRuntime builds the agent runtime named by cfg.Runtime.
func NewRuntime(cfg config.AgentConfig) (agent.Runtime, error) {
	switch cfg.Runtime {
	case "exec":
		return &agent.ExecRuntime{
			Command:      cfg.Command,
			Args:         cfg.Args,
			SystemPrompt: cfg.SystemPrompt,
			Timeout:      cfg.Timeout,
		}, nil
	case "http":
		return &agent.HTTPRuntime{
			Endpoint:     cfg.Endpoint,
			Model:        cfg.Model,
			APIKey:       cfg.APIKey,
			SystemPrompt: cfg.SystemPrompt,
			Timeout:      cfg.Timeout,
		}, nil
	default:
		return nil, fmt.Errorf("unknown agent runtime %q", cfg.Runtime)
	}
}

func (o *Orchestrator) addHousekeeping() error {
	att := o.Config.Attachments
	// Temp files older than any possible download are leftovers of a crash.
	tempAge := max(2*att.DownloadTimeout, 10*time.Minute)
	jobs := []scheduler.Job{
		scheduler.AttachmentRetentionJob(o.Media, att.CleanupSchedule, att.Retention, o.logger),
		scheduler.TempSweepJob(o.Media, att.CleanupSchedule, tempAge, o.logger),
	}
	for _, job := range jobs {
		if err := o.Housekeeper.Add(job); err != nil {
			return fmt.Errorf("register housekeeping job: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) workspace(userID string) string {
	if o.Media != nil {
		return o.Media.Workspace(userID)
	}
	return filepath.Join(o.Config.Workspace.Root, userID)
}

// AddChannel registers a channel. Must be called before Start.
func (o *Orchestrator) AddChannel(ch channels.Channel) {
	o.Router.Register(ch)
}

// Start runs housekeeping and connects the registered channels.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.Housekeeper.Start(ctx)
	return o.ingest.start(ctx)
}

// Ingest enqueues one message. Used by ingress paths that bypass a
// channel's Receive stream.
func (o *Orchestrator) Ingest(ctx context.Context, msg *channels.IncomingMessage) (dispatcher.Outcome, error) {
	return o.ingest.handle(ctx, msg)
}

// Close stops intake, drains queued work within ctx, then disconnects the
// channels and releases resources.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	o.ingest.stop()
	if err := o.Dispatcher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	o.ingest.disconnect()
	o.Housekeeper.Stop()
	o.Agents.Close()
	if err := o.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
