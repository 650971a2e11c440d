package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/config"
)

// Checker drives the alert loop: snapshot engine health, evaluate it
// against thresholds, push whatever fires to the webhook.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker wires a collector and alerter into a periodic loop.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run blocks until ctx is cancelled, checking once per configured
// interval. A failed check is logged and the loop keeps going; health
// checks must never take the engine down with them.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().Named("monitoring")
	log.Info("health check loop running",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health check loop stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("health snapshot failed", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("engine healthy", zap.Int("pending_requests", snap.PendingRequests))
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Warn("health thresholds breached",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
