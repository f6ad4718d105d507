package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/abuse"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/admission"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/archive"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/config"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/observability"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/simulation"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/store"
)

// runtime is the process wiring shared by subcommands.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	log      store.Log
	registry *scoring.Registry
	detector abuse.Config
	chain    *admission.Chain
	archive  archive.Store
	obs      *observability.Provider

	closers []func(context.Context) error
}

func setup(ctx context.Context, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:      cfg,
		logger:   observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr),
		detector: abuse.DefaultConfig(),
	}
	ok := false
	defer func() {
		if !ok {
			rt.Close(ctx)
		}
	}()

	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}
	if err := rt.loadRules(); err != nil {
		return nil, err
	}
	if err := rt.buildAdmission(ctx); err != nil {
		return nil, err
	}
	if cfg.ArchiveURL != "" {
		if rt.archive, err = archive.Open(ctx, cfg.ArchiveURL); err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if rt.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	rt.closers = append(rt.closers, rt.obs.Shutdown)

	ok = true
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	switch rt.cfg.Store {
	case config.StoreMemory:
		rt.log = store.NewMemoryLog()
	case config.StoreFile:
		fl, err := store.NewFileLog(rt.cfg.StoreDir)
		if err != nil {
			return fmt.Errorf("file store: %w", err)
		}
		rt.log = fl
	case config.StoreSQLite, config.StorePostgres:
		sl, err := store.OpenSQL(ctx, rt.cfg.Store, rt.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("%s store: %w", rt.cfg.Store, err)
		}
		rt.log = sl
		rt.closers = append(rt.closers, func(context.Context) error { return sl.Close() })
	}
	rt.logger.Debug("store opened", "store", rt.cfg.Store)
	return nil
}

func (rt *runtime) loadRules() error {
	f := &config.RulesFile{Detector: abuse.DefaultConfig()}
	if rt.cfg.RulesFile != "" {
		var err error
		if f, err = config.LoadRules(rt.cfg.RulesFile); err != nil {
			return err
		}
	}
	reg, err := f.Registry()
	if err != nil {
		return err
	}
	rt.registry = reg
	rt.detector = f.Detector
	return nil
}

func (rt *runtime) buildAdmission(ctx context.Context) error {
	var policies []admission.Policy
	if rt.cfg.MaxEvidence > 0 {
		policies = append(policies, admission.MaxEvidence{Limit: rt.cfg.MaxEvidence})
	}
	if rt.cfg.RatePerSec > 0 {
		if rt.cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: rt.cfg.RedisAddr})
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				return fmt.Errorf("redis %s: %w", rt.cfg.RedisAddr, err)
			}
			rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
			policies = append(policies, admission.NewRedisRateLimit(client, "trustsim:rate:", rt.cfg.RatePerSec, rt.cfg.RateBurst))
		} else {
			policies = append(policies, admission.NewRateLimit(rt.cfg.RatePerSec, rt.cfg.RateBurst))
		}
	}
	if expr := strings.TrimSpace(rt.cfg.AdmissionExpr); expr != "" {
		p, err := admission.NewExprPolicy(admission.Rule{Name: "env", Expr: expr})
		if err != nil {
			return fmt.Errorf("TRUSTSIM_ADMISSION_EXPR: %w", err)
		}
		policies = append(policies, p)
	}
	if rt.cfg.DailyQuota > 0 {
		policies = append(policies, admission.NewQuota(int64(rt.cfg.DailyQuota), admission.NewMemoryUsageStorage()))
	}
	rt.chain = admission.NewChain(policies...).WithLogger(rt.logger)
	return nil
}

// rules resolves a version or semver constraint; empty means the latest.
func (rt *runtime) rules(constraint string) (scoring.Rules, error) {
	if constraint == "" {
		return rt.registry.Latest(), nil
	}
	return rt.registry.Resolve(constraint)
}

func (rt *runtime) executor(rules scoring.Rules, opts ...simulation.Option) *simulation.Executor {
	base := []simulation.Option{
		simulation.WithRules(rules),
		simulation.WithDetector(abuse.NewDetector(rt.detector)),
		simulation.WithAdmission(rt.chain),
		simulation.WithStore(rt.log),
		simulation.WithObservability(rt.obs),
		simulation.WithLogger(rt.logger),
	}
	return simulation.New(append(base, opts...)...)
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("close failed", "error", err)
		}
	}
	rt.closers = nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
