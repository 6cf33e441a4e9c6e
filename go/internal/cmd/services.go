package main

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mwhited/diceparty/go/internal/gateway"
	"github.com/mwhited/diceparty/go/internal/poll"
	"github.com/mwhited/diceparty/go/internal/room"
)

type Services struct {
	Registry          *room.Registry
	ConnectionManager *gateway.ConnectionManager
	WebSocketHandler  *gateway.WebSocketHandler
	PollHandler       *poll.Handler
}

func setupServices(config *Config, clock clockwork.Clock) *Services {
	// Wire up the sync engine: the registry owns all rooms, the connection
	// manager is its push-delivery hook, and the poll handler serves the
	// pull path from the same registry.
	registry := room.NewRegistry(clock)

	gwConfig := gateway.DefaultConnectionConfig()
	gwConfig.WriteTimeout = time.Duration(config.Gateway.WriteTimeoutSec) * time.Second
	gwConfig.ReadTimeout = time.Duration(config.Gateway.ReadTimeoutSec) * time.Second
	gwConfig.PingInterval = time.Duration(config.Gateway.PingIntervalSec) * time.Second

	connectionManager := gateway.NewConnectionManager(registry, gwConfig, clock)
	registry.SetBroadcaster(connectionManager)

	return &Services{
		Registry:          registry,
		ConnectionManager: connectionManager,
		WebSocketHandler:  gateway.NewWebSocketHandler(registry, connectionManager),
		PollHandler:       poll.NewHandler(registry, clock),
	}
}
