package main

import (
	"context"

	"github.com/MarcoPoloResearchLab/wordbank/internal/config"
	"github.com/MarcoPoloResearchLab/wordbank/internal/device"
	"github.com/MarcoPoloResearchLab/wordbank/internal/gateway"
	"github.com/MarcoPoloResearchLab/wordbank/internal/localstore"
	"github.com/MarcoPoloResearchLab/wordbank/internal/logging"
	"github.com/MarcoPoloResearchLab/wordbank/internal/netmon"
	"github.com/MarcoPoloResearchLab/wordbank/internal/queue"
	"github.com/MarcoPoloResearchLab/wordbank/internal/syncengine"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type clientApp struct {
	cfg     config.ClientConfig
	logger  *zap.Logger
	store   *localstore.Store
	remote  *gateway.Client
	monitor *netmon.Monitor
	engine  *syncengine.Engine
}

func openClientApp(ctx context.Context) (*clientApp, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFileLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	store, err := localstore.Open(cfg.LocalDatabasePath, logger)
	if err != nil {
		return nil, err
	}
	mutations, err := queue.New(store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	identity, err := device.NewIdentity(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	remote, err := gateway.New(gateway.Config{
		BaseURL: cfg.RemoteBaseURL,
		Token:   cfg.RemoteToken,
		Timeout: cfg.RemoteTimeout,
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	monitor := netmon.NewMonitor(remote.Ping(ctx) == nil, logger)
	engine, err := syncengine.New(syncengine.Config{
		Remote:           remote,
		Queue:            mutations,
		Watermarks:       store,
		Device:           identity,
		Network:          monitor,
		Conflicts:        store,
		Interval:         cfg.SyncInterval,
		RequeueOnFailure: cfg.RequeueOnFailure,
		Logger:           logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := engine.Prime(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &clientApp{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		remote:  remote,
		monitor: monitor,
		engine:  engine,
	}, nil
}

func (a *clientApp) Close() {
	_ = a.logger.Sync()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close local store", zap.Error(err))
	}
}
