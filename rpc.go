package emqtt

import (
	"context"
	"time"

	"github.com/roadrunner-plugins/emqtt/debounce"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// rpc provides RPC interface for external management
type rpc struct {
	p *Plugin
}

// scheduler returns the plugin's scheduler, or an error before Init
func (r *rpc) scheduler(op errors.Op) (*debounce.Scheduler, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	if r.p.scheduler == nil {
		return nil, errors.E(op, errors.Str("plugin is not initialized"))
	}

	return r.p.scheduler, nil
}

// Pending lists topics that currently wait for their reset
func (r *rpc) Pending(_ bool, topics *[]string) error {
	const op = errors.Op("emqtt_rpc_pending")

	scheduler, err := r.scheduler(op)
	if err != nil {
		return err
	}

	*topics = scheduler.Topics()

	for _, topic := range *topics {
		if armedAt, ok := scheduler.PendingSince(topic); ok {
			r.p.log.Debug("pending reset",
				zap.String("topic", topic),
				zap.Time("armed_at", armedAt),
				zap.Duration("age", time.Since(armedAt)),
			)
		}
	}

	return nil
}

// Reset publishes the reset payload of topic now instead of when its window ends
func (r *rpc) Reset(topic string, fired *bool) error {
	const op = errors.Op("emqtt_rpc_reset")

	*fired = false

	scheduler, err := r.scheduler(op)
	if err != nil {
		return err
	}

	armedAt, _ := scheduler.PendingSince(topic)

	ok, err := scheduler.Fire(context.Background(), topic)
	if err != nil {
		return errors.E(op, err)
	}

	r.p.log.Info("topic reset requested",
		zap.String("topic", topic),
		zap.Bool("fired", ok),
		zap.Time("armed_at", armedAt),
	)

	*fired = ok
	return nil
}
