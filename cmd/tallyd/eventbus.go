package main

import (
	"github.com/tallyd/tallyd/internal/common/config"
	"github.com/tallyd/tallyd/internal/common/logger"
	"github.com/tallyd/tallyd/internal/events"
	"github.com/tallyd/tallyd/internal/events/bus"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provider.Bus, cleanup, nil
}
