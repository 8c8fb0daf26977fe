package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/loom/internal/config"
	"github.com/harun/loom/internal/logger"
	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/pkg/coretools"
	"github.com/harun/loom/pkg/executor"
	"github.com/harun/loom/pkg/gateway"
	"github.com/harun/loom/pkg/hooks"
	"github.com/harun/loom/pkg/orchestrator"
	"github.com/harun/loom/pkg/store"
)

// Daemon wires the store, executor factory, session registry, and
// gateway server into one runnable service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     *store.SQLiteStore
	sweeper   *store.Sweeper
	toolset   *coretools.Toolset
	hookChain *hooks.Chain
	factory   *executor.AnthropicFactory
	registry  *orchestrator.Registry
	gateway   *gateway.Server

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a daemon instance from configuration
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if err := d.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}

	return d, nil
}

func (d *Daemon) initialize() error {
	zl := d.logger.GetZerolog()

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(d.config.WorkspacePath, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	sessionStore, err := store.NewSQLiteStore(store.Config{
		DBPath: d.config.Store.Path,
		TTL:    d.config.Session.TTL(),
		Logger: zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	d.store = sessionStore
	d.logger.Info().Msg("Session store initialized")

	sweeper, err := store.NewSweeper(store.SweeperConfig{
		Store:    sessionStore,
		Schedule: d.config.Store.SweepSchedule,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	d.sweeper = sweeper

	toolset, err := coretools.New(coretools.Options{
		WorkspaceRoot: d.config.WorkspacePath,
	})
	if err != nil {
		return fmt.Errorf("failed to create toolset: %w", err)
	}
	d.toolset = toolset
	d.logger.Info().Str("workspace", d.config.WorkspacePath).Msg("Core tools initialized")

	d.hookChain = hooks.NewChain(zl)
	d.hookChain.AddPostToolUse("write_file", logWritesHook(zl))

	factory, err := executor.NewAnthropicFactory(executor.AnthropicConfig{
		APIKey:            d.config.Executor.APIKey,
		Model:             d.config.Executor.Model,
		SystemPrompt:      d.config.Executor.SystemPrompt,
		MaxTokens:         int64(d.config.Executor.MaxTokens),
		Tools:             toolset,
		Hooks:             d.hookChain,
		Logger:            zl,
		InputCostPerMTok:  d.config.Executor.InputCostPerMTok,
		OutputCostPerMTok: d.config.Executor.OutputCostPerMTok,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor factory: %w", err)
	}
	d.factory = factory
	d.logger.Info().Str("model", d.config.Executor.Model).Msg("Executor factory initialized")

	registry, err := orchestrator.NewRegistry(orchestrator.RegistryConfig{
		Store:           sessionStore,
		Factory:         factory,
		SessionTTL:      d.config.Session.TTL(),
		ApprovalTimeout: d.config.Session.ApprovalTimeout(),
		Logger:          zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	d.registry = registry

	gw, err := gateway.NewServer(gateway.Config{
		Port:     d.config.Gateway.Port,
		Registry: registry,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = gw

	return nil
}

// Start starts the daemon services
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.sweeper.Start()

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	d.logger.Info().Int("port", d.config.Gateway.Port).Msg("Daemon started")
	return nil
}

// Stop gracefully stops the daemon services
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping daemon")

	if err := d.gateway.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Error stopping gateway")
	}

	d.sweeper.Stop()

	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Error closing session store")
	}

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Running reports whether the daemon has started and not stopped.
func (d *Daemon) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return 0
	}
	return time.Since(d.startTime)
}

// GetRegistry returns the session registry
func (d *Daemon) GetRegistry() *orchestrator.Registry {
	return d.registry
}

// GetStore returns the session store
func (d *Daemon) GetStore() *store.SQLiteStore {
	return d.store
}

// logWritesHook audits file writes made through the toolset.
func logWritesHook(zl zerolog.Logger) hooks.PostFunc {
	return func(ctx context.Context, toolName string, toolInput json.RawMessage, output string) error {
		var params struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal(toolInput, &params)
		zl.Info().Str("tool", toolName).Str("path", params.Path).Msg("Workspace file written")
		return nil
	}
}
