package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SweepInterval is the default cadence of the background reclamation sweep.
const SweepInterval = time.Hour

// Reclaimer is implemented by stores that can reclaim expired records.
type Reclaimer interface {
	Reclaim() (int, error)
}

// Sweeper runs registered reclaimers on a fixed interval from a background
// goroutine. Each reclaimer snapshots its stale keys before deleting, so a
// sweep never invalidates an in-progress iteration.
type Sweeper struct {
	interval   time.Duration
	reclaimers []Reclaimer
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSweeper creates a sweeper. A non-positive interval falls back to
// SweepInterval.
func NewSweeper(interval time.Duration, reclaimers ...Reclaimer) *Sweeper {
	if interval <= 0 {
		interval = SweepInterval
	}
	return &Sweeper{interval: interval, reclaimers: reclaimers}
}

// Start launches the background sweep loop. Calling Start on a running
// sweeper restarts it.
func (s *Sweeper) Start() {
	if len(s.reclaimers) == 0 {
		slog.Default().Info("state.sweeper.disabled",
			slog.Duration("interval", s.interval),
		)
		return
	}
	if s.cancel != nil {
		s.Stop()
	}
	initSweepMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		log := slog.Default()
		log.Info("state.sweeper.start",
			slog.Duration("interval", s.interval),
			slog.Int("reclaimers", len(s.reclaimers)),
		)
		for {
			select {
			case <-ctx.Done():
				log.Info("state.sweeper.stop")
				return
			case <-ticker.C:
				s.sweep(ctx, log)
			}
		}
	}()
}

// SweepNow runs one sweep synchronously, outside the ticker. Used by callers
// that want deterministic reclamation, e.g. on shutdown.
func (s *Sweeper) SweepNow(ctx context.Context) {
	initSweepMetrics()
	s.sweep(ctx, slog.Default())
}

func (s *Sweeper) sweep(ctx context.Context, log *slog.Logger) {
	start := time.Now()
	ctx, span := otel.Tracer("veldt/state").Start(ctx, "state.sweep",
		trace.WithAttributes(attribute.Int("reclaimers", len(s.reclaimers))),
	)
	defer span.End()

	for _, reclaimer := range s.reclaimers {
		name := fmt.Sprintf("%T", reclaimer)
		reclaimed, err := reclaimer.Reclaim()
		sweepCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reclaimer", name),
		))
		if err != nil {
			sweepErrorCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reclaimer", name),
			))
			span.RecordError(err)
			log.Warn("state.sweep.error",
				slog.String("reclaimer", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if reclaimed > 0 {
			reclaimedCounter.Add(ctx, int64(reclaimed), metric.WithAttributes(
				attribute.String("reclaimer", name),
			))
		}
		log.Info("state.sweep.reclaim",
			slog.String("reclaimer", name),
			slog.Int("reclaimed", reclaimed),
		)
	}
	sweepLatencyMs.Record(ctx, float64(time.Since(start).Seconds()*1000))
	log.Info("state.sweep.complete",
		slog.Int("reclaimers", len(s.reclaimers)),
	)
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.done != nil {
		<-s.done
	}
	s.cancel = nil
	s.done = nil
}

var (
	sweepMetricsOnce  sync.Once
	sweepCounter      metric.Int64Counter
	sweepErrorCounter metric.Int64Counter
	reclaimedCounter  metric.Int64Counter
	sweepLatencyMs    metric.Float64Histogram
)

func initSweepMetrics() {
	sweepMetricsOnce.Do(func() {
		meter := otel.Meter("veldt/state")
		sweepCounter, _ = meter.Int64Counter("veldt.state.sweep.count")
		sweepErrorCounter, _ = meter.Int64Counter("veldt.state.sweep.error.count")
		reclaimedCounter, _ = meter.Int64Counter("veldt.state.sweep.reclaimed.count")
		sweepLatencyMs, _ = meter.Float64Histogram("veldt.state.sweep.latency_ms")
	})
}
