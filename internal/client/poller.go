package client

import (
	"context"
	"log"
	"time"
)

// Poller checks backend health on a fixed interval and invokes onHealthy only
// when the backend confirmed it is reachable. Polling continues while the
// backend is down so recovery is detected promptly; nothing is ever dropped
// on an unhealthy tick.
type Poller struct {
	client    *Client
	interval  time.Duration
	onHealthy func(ctx context.Context)
}

// NewPoller creates a Poller. onHealthy is typically a health-gated queue replay.
func NewPoller(client *Client, interval time.Duration, onHealthy func(ctx context.Context)) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{client: client, interval: interval, onHealthy: onHealthy}
}

// Run blocks until the context is cancelled. The first check fires
// immediately rather than one interval in.
func (p *Poller) Run(ctx context.Context) {
	p.check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Poller) check(ctx context.Context) {
	if err := p.client.Health(ctx); err != nil {
		log.Printf("ERROR: Backend health check failed: %v", err)
		return
	}
	p.onHealthy(ctx)
}
