package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/rendis/playbook/internal/adapter"
	"github.com/rendis/playbook/internal/contracts"
	"github.com/rendis/playbook/internal/controlplane"
	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/internal/playbook"
	"github.com/rendis/playbook/internal/runtime"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/internal/tools"
	"github.com/rendis/playbook/internal/validation"
)

// app holds the wired control plane for one CLI invocation.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    store.BlobStore
	hub      *streaming.MemoryHub
	registry *controlplane.Registry
	loader   *playbook.Loader
	runner   *playbook.Runner
	factory  *runtime.Factory
}

// openStore opens the configured blob store, migrating libSQL schemas.
func openStore(ctx context.Context, cfg Config) (store.BlobStore, error) {
	switch cfg.StoreBackend {
	case backendLibSQL:
		s, err := store.NewLibSQLStore(cfg.dsn())
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate %s: %w", cfg.DBPath, err)
		}
		return s, nil
	default:
		return store.NewFSStore(cfg.DataDir)
	}
}

// openApp wires store, registry, contracts, adapter, tools, runtimes and
// the runner. Playbooks under cfg.PlaybookDir are registered when the
// directory exists.
func openApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	bs, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: bs, hub: streaming.NewMemoryHub()}
	if err := a.wire(ctx); err != nil {
		bs.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	reg, err := controlplane.Open(ctx, a.store,
		controlplane.WithLogger(a.logger),
		controlplane.WithSink(a.hub),
	)
	if err != nil {
		return err
	}
	a.registry = reg

	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}

	cs := contracts.NewRegistry()
	if err := registerCoreContracts(cs); err != nil {
		return err
	}
	if dir, ok := existingDir(a.cfg.ManifestDir); ok {
		if err := contracts.NewLoader(v, a.logger).Load(dir, cs); err != nil {
			return err
		}
	}

	jq := expressions.NewGoJQEngine()
	ad := adapter.New(cs, nil, jq, adapter.WithLogger(a.logger), adapter.WithInputSchemas(v))
	tr := tools.NewRegistry(expressions.NewExprEngine(), jq)

	breakerCfg := runtime.DefaultBreakerConfig()
	if a.cfg.BreakerFails > 0 {
		breakerCfg.FailureThreshold = a.cfg.BreakerFails
	}
	steps := runtime.NewStepRunner(reg, ad, tr,
		runtime.WithBreakers(runtime.NewBreakers(breakerCfg)),
		runtime.WithStepLogger(a.logger),
	)
	factory, err := runtime.NewFactory(
		runtime.NewSimpleRuntime(steps),
		runtime.NewDurableRuntime(steps,
			runtime.WithDurableSink(a.hub),
			runtime.WithDurableLogger(a.logger),
		),
	)
	if err != nil {
		return err
	}
	if a.cfg.DefaultRuntime != "" {
		if err := factory.SetDefault(a.cfg.DefaultRuntime); err != nil {
			return err
		}
	}
	a.factory = factory

	a.loader = playbook.NewLoader(v, a.logger)
	runner, err := playbook.NewRunner(playbook.Config{
		Registry: reg,
		Factory:  factory,
		Loader:   a.loader,
		Sink:     a.hub,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	a.runner = runner

	if dir, ok := existingDir(a.cfg.PlaybookDir); ok {
		defs, err := a.loader.Discover(dir)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if err := runner.Register(def); err != nil {
				return err
			}
		}
		a.logger.Debug("playbooks registered", "count", len(defs))
	}
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// existingDir returns an fs.FS rooted at path when path is a directory.
func existingDir(path string) (fs.FS, bool) {
	if path == "" {
		return nil, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, false
	}
	return os.DirFS(path), true
}

// definition resolves ref as a file path first, then as a registered code.
func (a *app) definition(ref string) (*playbook.Definition, error) {
	data, err := os.ReadFile(ref)
	if err == nil {
		def, err := a.loader.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref, err)
		}
		def.Path = ref
		return def, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return a.runner.Definition(ref)
}
