package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/argus-sec/argus/internal/alertstate"
	"github.com/argus-sec/argus/internal/config"
	"github.com/argus-sec/argus/internal/identity"
	"github.com/argus-sec/argus/internal/mgmtapi"
	"github.com/argus-sec/argus/internal/msgraph"
	"github.com/argus-sec/argus/internal/notify"
	"github.com/argus-sec/argus/internal/poller"
	"github.com/argus-sec/argus/internal/rules"
	"github.com/argus-sec/argus/internal/sink"
	"github.com/argus-sec/argus/internal/store"
)

// engine bundles the long-lived components the commands drive.
type engine struct {
	poller    *poller.Poller
	scheduler *poller.Scheduler
	loader    *rules.Loader
}

// buildEngine wires the full component graph from configuration. The
// returned cleanup closes the stores and the rule watcher.
func buildEngine(cfg *config.Config) (*engine, func(), error) {
	configStore, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open config store: %w", err)
	}

	stateStore, err := alertstate.Open(cfg.DataDir)
	if err != nil {
		configStore.Close()
		return nil, nil, fmt.Errorf("open alert-state store: %w", err)
	}

	loader := rules.NewLoader(cfg.RulesDir, cfg.RuleFilter)
	watcher, err := rules.NewWatcher(cfg.RulesDir, loader)
	if err != nil {
		// The catalog still reloads per run; only change detection is lost.
		log.Warn().Err(err).Str("dir", cfg.RulesDir).Msg("Rule watcher unavailable")
	}

	creds := identity.NewCredentials(cfg.ClientID, cfg.ClientSecret, cfg.AssertionFile)
	graph := msgraph.NewClient(creds)
	mgmt := mgmtapi.NewClient(creds)
	uploader := sink.NewUploader(creds, cfg.TenantID, cfg.SinkEndpoint, cfg.SinkRuleID, cfg.SinkStream)

	p := poller.New(poller.Deps{
		SignIns:   graph,
		SecAlerts: graph,
		Audit:     mgmt,
		Store:     configStore,
		State:     stateStore,
		Rules:     loader,
		Sink:      uploader,
		Notifier:  notify.NewNotifier(),
	}, poller.Options{
		Lookback:    cfg.Lookback,
		MaxLookback: cfg.MaxLookback,
	})

	cleanup := func() {
		if watcher != nil {
			watcher.Stop()
		}
		if err := stateStore.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close alert-state store")
		}
		if err := configStore.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close config store")
		}
	}

	return &engine{
		poller:    p,
		scheduler: poller.NewScheduler(p, cfg.PollInterval, cfg.TickTimeout),
		loader:    loader,
	}, cleanup, nil
}
