package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/quill/internal/appcontext"
	"github.com/quill/internal/buffer"
	"github.com/quill/internal/classify"
	"github.com/quill/internal/config"
	"github.com/quill/internal/engine"
	"github.com/quill/internal/persona"
	"github.com/quill/internal/redact"
	"github.com/quill/internal/retry"
	"github.com/quill/internal/router"
)

// pipeline bundles the wired components behind the CLI surface.
type pipeline struct {
	cfg      *config.Config
	redactor *redact.Redactor
	registry *persona.Registry
	tracker  *appcontext.Tracker
	buffer   *buffer.Buffer
	router   *router.Router
}

// setupLogging configures the global zerolog instance for CLI use.
func setupLogging(c *cli.Context) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if c.Bool("verbose") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// buildPipeline loads configuration and assembles the generation pipeline.
// appSource supplies the foreground application identifier; pass a fixed
// value for one-shot runs.
func buildPipeline(c *cli.Context, listener router.Listener, appSource appcontext.Source) (*pipeline, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rules, err := cfg.Rules()
	if err != nil {
		return nil, fmt.Errorf("failed to compile redaction rules: %w", err)
	}
	redactor := redact.New(rules)
	registry := persona.NewRegistry(cfg.Personas())
	classifier := classify.New(cfg.RoleRules(), cfg.DefaultRole())
	tracker := appcontext.NewTracker(appSource, classifier, cfg.PollInterval())
	buf := buffer.New(cfg.Buffer.MaxSize)

	gateway, err := engine.NewOllamaGateway(engine.Options{
		ServerURL: cfg.Engine.ServerURL,
		Model:     cfg.Engine.Model,
		Timeout:   cfg.EngineTimeout(),
		Retry:     retry.EngineConfig(),
	})
	if err != nil {
		return nil, err
	}
	cached := engine.NewCachingGateway(gateway, cfg.CacheTTL())

	rt := router.New(redactor, registry, tracker, buf, cached, listener, router.Config{
		CancelWait:   cfg.CancelWait(),
		AutoCooldown: cfg.AutoCooldown(),
		MinContext:   cfg.Router.MinContext,
	})

	return &pipeline{
		cfg:      cfg,
		redactor: redactor,
		registry: registry,
		tracker:  tracker,
		buffer:   buf,
		router:   rt,
	}, nil
}

// reload re-reads configuration and swaps the derived components in place.
// The persona registry swap is atomic; in-flight requests keep the persona
// they already resolved.
func (p *pipeline) reload(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	p.registry.Swap(cfg.Personas())
	p.cfg = cfg
	log.Info().Msg("Configuration reloaded")
	return nil
}
