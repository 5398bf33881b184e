// Package scheduler periodically probes every registered tenant connection
// and publishes reachability as a gauge.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/connections"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

const (
	probeParallelism = 4
	stopTimeout      = 15 * time.Second
)

// ConnectionLister returns every registered connection across tenants.
type ConnectionLister interface {
	All(ctx context.Context) ([]models.TenantConnection, error)
}

// StatusRecorder receives probe results.
type StatusRecorder interface {
	SetConnectionUp(connectionID uint, up bool)
}

// Prober runs a reachability check for all connections on a cron schedule.
type Prober struct {
	cronRunner *cron.Cron
	schedule   string
	lister     ConnectionLister
	dialer     connections.Dialer
	status     StatusRecorder
	timeout    time.Duration
	logger     *zap.Logger
}

// NewProber builds a prober. schedule uses the six-field cron format with
// seconds, or descriptors such as "@every 1m".
func NewProber(schedule string, lister ConnectionLister, dialer connections.Dialer, status StatusRecorder, timeout time.Duration, logger *zap.Logger) *Prober {
	return &Prober{
		cronRunner: cron.New(
			cron.WithSeconds(),
			cron.WithChain(
				cron.SkipIfStillRunning(cron.DefaultLogger),
				cron.Recover(cron.DefaultLogger),
			),
		),
		schedule: schedule,
		lister:   lister,
		dialer:   dialer,
		status:   status,
		timeout:  timeout,
		logger:   logger.Named("prober"),
	}
}

// Start registers the probe job and starts the cron runner. It does not block.
func (p *Prober) Start() error {
	entryID, err := p.cronRunner.AddFunc(p.schedule, func() {
		if err := p.ProbeAll(context.Background()); err != nil {
			p.logger.Warn("connection probe run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid probe schedule %q: %w", p.schedule, err)
	}
	p.logger.Info("connection prober started", zap.String("schedule", p.schedule), zap.Int("entry_id", int(entryID)))
	p.cronRunner.Start()
	return nil
}

// Stop waits for a running probe to finish, up to a fixed timeout.
func (p *Prober) Stop() {
	ctx := p.cronRunner.Stop()
	select {
	case <-ctx.Done():
		p.logger.Info("connection prober stopped")
	case <-time.After(stopTimeout):
		p.logger.Warn("connection prober shutdown timed out")
	}
}

// ProbeAll pings every connection and records the result. Individual probe
// failures are reported through the status recorder, not as an error.
func (p *Prober) ProbeAll(ctx context.Context) error {
	conns, err := p.lister.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)
	for i := range conns {
		tc := &conns[i]
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()

			err := connections.Ping(probeCtx, p.dialer, tc)
			p.status.SetConnectionUp(tc.ID, err == nil)
			if err != nil {
				p.logger.Warn("tenant connection unreachable", zap.Object("connection", tc), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	p.logger.Debug("probe run complete", zap.Int("connections", len(conns)))
	return nil
}
