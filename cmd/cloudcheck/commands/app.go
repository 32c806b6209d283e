package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/agent"
	"github.com/openfroyo/cloudcheck/pkg/cloud"
	"github.com/openfroyo/cloudcheck/pkg/config"
	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/policy"
	"github.com/openfroyo/cloudcheck/pkg/problems"
	"github.com/openfroyo/cloudcheck/pkg/stores"
	"github.com/openfroyo/cloudcheck/pkg/telemetry"
	sshtransport "github.com/openfroyo/cloudcheck/pkg/transports/ssh"
)

// app holds everything a command needs after the configuration is loaded.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	repo   stores.Repository
	sqlite *stores.SQLiteStore // nil for the badger backend

	guard  *policy.Engine // nil when policies are disabled
	nats   *nats.Conn     // nil for the ssh transport
	engine *engine.Engine

	closers []func() error
}

// loadConfig reads the configuration named by --config or the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

// newBaseApp loads the configuration, telemetry and store.
func newBaseApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.ToTelemetry(buildVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.Background()) })

	repo, sqlite, err := openStore(ctx, cfg.Store)
	if err != nil {
		a.close()
		return nil, err
	}
	a.repo, a.sqlite = repo, sqlite
	a.closers = append(a.closers, repo.Close)
	return a, nil
}

// newApp builds the full runtime: store, cloud and agent adapters, policy
// guard and engine.
func newApp(ctx context.Context, strictDelete bool) (*app, error) {
	a, err := newBaseApp(ctx)
	if err != nil {
		return nil, err
	}

	deps := engine.Deps{
		Repo:         a.repo,
		StrictDelete: a.cfg.Engine.StrictDelete || strictDelete,
		RebootWait:   a.cfg.Engine.RebootWait.Std(),
	}

	if deps.Cloud, err = a.newCloud(ctx); err != nil {
		a.close()
		return nil, err
	}
	if deps.Agents, err = a.newAgents(); err != nil {
		a.close()
		return nil, err
	}

	opts := []engine.Option{
		engine.WithLogger(a.tel.Logger),
		engine.WithTelemetry(a.tel),
		engine.WithActionTimeout(a.cfg.Engine.ActionTimeout.Std()),
	}
	if a.sqlite != nil {
		opts = append(opts, engine.WithRecorder(a.sqlite))
	}

	if a.cfg.Policy.Enabled {
		if a.guard, err = a.newGuard(ctx); err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, engine.WithGuard(a.guard))
	}

	a.engine = engine.New(problems.DefaultRegistry(), deps, opts...)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Repository, *stores.SQLiteStore, error) {
	switch cfg.Backend {
	case "badger":
		store, err := stores.NewBadgerStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		store, err := stores.Open(ctx, stores.Config{Path: cfg.Path})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store %s: %w", cfg.Path, err)
		}
		return store, store, nil
	}
}

func (a *app) newCloud(ctx context.Context) (engine.CloudAdapter, error) {
	if a.cfg.Cloud.Provider != "ec2" {
		a.logger.Warn().Msg("No cloud provider configured; cloud resolutions will fail")
		return nil, nil
	}
	ec2, err := cloud.NewEC2(ctx, cloud.EC2Config{
		Region:     a.cfg.Cloud.Region,
		Profile:    a.cfg.Cloud.Profile,
		DeviceName: a.cfg.Cloud.DeviceName,
		DetachWait: a.cfg.Cloud.DetachWait.Std(),
	}, a.logger)
	if err != nil {
		return nil, err
	}
	return cloud.Instrument(ec2, "ec2", a.tel), nil
}

func (a *app) newAgents() (engine.AgentResolver, error) {
	ac := a.cfg.Agent
	switch ac.Transport {
	case "ssh":
		sshCfg := sshtransport.DefaultConfig("", ac.SSH.User)
		sshCfg.Port = ac.SSH.Port
		sshCfg.AuthMethod = sshtransport.AuthMethod(ac.SSH.AuthMethod)
		sshCfg.PrivateKeyPath = ac.SSH.PrivateKeyPath
		sshCfg.StrictHostKeyChecking = ac.SSH.StrictHostKeyChecking
		if ac.SSH.KnownHostsPath != "" {
			sshCfg.KnownHostsPath = ac.SSH.KnownHostsPath
		}
		if ac.SSH.ConnectTimeout > 0 {
			sshCfg.ConnectionTimeout = ac.SSH.ConnectTimeout.Std()
		}

		resolver := agent.NewSSHResolver(agent.SSHResolverConfig{
			SSH:     sshCfg,
			Command: ac.SSH.Command,
			Stdio:   agent.StdioOptions{CommandTimeout: ac.RequestTimeout.Std()},
		}, a.logger)
		a.closers = append(a.closers, resolver.Close)
		return agent.Instrument(resolver, a.tel), nil

	default:
		nc, err := agent.Dial(ac.NATSURL, a.logger)
		if err != nil {
			return nil, err
		}
		a.nats = nc
		a.closers = append(a.closers, func() error {
			nc.Close()
			return nil
		})
		resolver := agent.NewNATSResolver(nc, ac.RequestTimeout.Std(), a.logger)
		return agent.Instrument(resolver, a.tel), nil
	}
}

func (a *app) newGuard(ctx context.Context) (*policy.Engine, error) {
	guard, err := policy.NewEngine(a.logger, policy.Options{
		DenyDestructiveAuto: a.cfg.Policy.DenyDestructiveAuto,
	})
	if err != nil {
		return nil, err
	}
	if len(a.cfg.Policy.Paths) == 0 {
		return guard, nil
	}
	if err := guard.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
		return nil, err
	}
	if a.cfg.Policy.Watch {
		if err := guard.Watch(ctx, a.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return guard, nil
}

// collect enumerates candidates, optionally restricted by type and
// instance labels.
func (a *app) collect(ctx context.Context, types []string, selector string) ([]engine.Candidate, error) {
	collector := problems.NewCollector(a.repo,
		problems.WithTypes(types...),
		problems.WithSelector(selector),
		problems.WithCollectorLogger(a.logger),
	)
	return collector.Collect(ctx)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to release resources")
	}
}

// actor names the operator on audit entries.
func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
