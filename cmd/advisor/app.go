package main

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/advisor/internal/advisory"
	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/capability/llm"
	"github.com/ashureev/advisor/internal/capability/remote"
	"github.com/ashureev/advisor/internal/capability/rules"
	"github.com/ashureev/advisor/internal/config"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/orchestrator"
	"github.com/ashureev/advisor/internal/schema"
	"github.com/ashureev/advisor/internal/session"
	"github.com/ashureev/advisor/internal/slotfill"
	"github.com/ashureev/advisor/internal/store"
	"github.com/ashureev/advisor/internal/transcript"
)

// app holds the wired core shared by every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	schema     *schema.Schema
	repo       store.Repository
	sessions   *session.Store
	router     *orchestrator.Router
	transcript transcript.Logger

	closers []func()
}

type appOptions struct {
	// memory skips the SQLite repository.
	memory bool
}

func newApp(cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.schema, err = schema.Load(cfg.SchemaPath); err != nil {
		return nil, fmt.Errorf("load profile schema: %w", err)
	}

	if !opts.memory {
		repo, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.repo = repo
		a.closers = append(a.closers, func() {
			if closeErr := repo.Close(); closeErr != nil {
				logger.Error("Failed to close repository", "error", closeErr)
			}
		})
	}

	policy, err := session.ParseBusyPolicy(cfg.BusyPolicy)
	if err != nil {
		return nil, err
	}
	a.sessions = session.NewStore(session.Options{Policy: policy, Repo: a.repo, Logger: logger})

	set, err := a.capabilities()
	if err != nil {
		return nil, err
	}

	portfolios, err := portfolioSource(cfg.PortfolioPath)
	if err != nil {
		return nil, err
	}

	a.transcript, err = transcript.New(transcript.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	a.closers = append(a.closers, func() {
		if closeErr := a.transcript.Close(); closeErr != nil {
			logger.Error("Failed to close transcript", "error", closeErr)
		}
	})

	engine := slotfill.New(a.schema, set.Extractor, set.Questions, slotfill.Config{
		TurnBudget:    cfg.Profile.TurnBudget,
		HistoryWindow: cfg.Profile.HistoryWindow,
	}, logger)
	a.router = orchestrator.New(orchestrator.Deps{
		Sessions:   a.sessions,
		Engine:     engine,
		Classifier: set.Classifier,
		Units:      set.Units,
		Portfolios: portfolios,
		Transcript: a.transcript,
		Logger:     logger,
	}, orchestrator.Config{
		HistoryWindow: cfg.Profile.HistoryWindow,
		HistoryLimit:  cfg.Profile.HistoryLimit,
		MinConfidence: cfg.Profile.MinConfidence,
		Prerequisites: map[domain.Intent][]string{
			domain.IntentRecommendation: advisory.RequiredSlots,
		},
	})
	return a, nil
}

// capabilities builds the configured provider on top of the rules provider and
// builtin units, then guards every member.
func (a *app) capabilities() (capability.Set, error) {
	base := rules.New(a.schema)
	base.Units = advisory.Units()

	var set capability.Set
	switch a.cfg.Capability.Provider {
	case config.ProviderOpenAI:
		set = llm.New(llm.Config{
			APIKey:  a.cfg.OpenAI.APIKey,
			BaseURL: a.cfg.OpenAI.BaseURL,
			Model:   a.cfg.OpenAI.Model,
		}, a.schema, a.logger).Set().Merge(base)
		a.logger.Info("Using OpenAI capability provider", "model", a.cfg.OpenAI.Model)
	case config.ProviderRemote:
		client, err := remote.Dial(remote.DefaultClientConfig(a.cfg.Capability.Addr), a.logger)
		if err != nil {
			return capability.Set{}, fmt.Errorf("connect capability service: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		set = client.Set(domain.IntentPortfolioQuery, domain.IntentRecommendation).Merge(base)
		a.logger.Info("Using remote capability provider", "address", a.cfg.Capability.Addr)
	default:
		set = base
		a.logger.Info("Using rules capability provider")
	}

	guard := capability.NewGuard(capability.GuardConfig{
		CallTimeout:       a.cfg.Capability.Timeout,
		ClassifierTimeout: a.cfg.Capability.ClassifierTimeout,
		MaxInFlight:       int64(a.cfg.Capability.MaxInFlight),
	}, a.logger)
	return guard.Wrap(set), nil
}

func portfolioSource(path string) (capability.PortfolioSource, error) {
	if path == "" {
		return advisory.EmptySource{}, nil
	}
	src, err := advisory.LoadFileSource(path)
	if err != nil {
		return nil, fmt.Errorf("load portfolios: %w", err)
	}
	return src, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
