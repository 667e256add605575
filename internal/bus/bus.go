package bus

import (
	"fmt"

	"github.com/opensource-trust/shrike/internal/domain"
)

// New creates a new event bus based on configuration.
// Type "channel" returns an in-process ChannelBus;
// type "nats" returns a NATSBus backed by a NATS server.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
