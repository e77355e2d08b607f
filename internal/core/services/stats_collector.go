package services

import (
	"context"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const DefaultStatsInterval = 5 * time.Second

// StatsCollector periodically re-reads transport statistics for every registered
// connection and republishes them.
type StatsCollector struct {
	registry  *ConnectionRegistry
	publisher ports.EventPublisher
	interval  time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewStatsCollector(
	registry *ConnectionRegistry,
	publisher ports.EventPublisher,
	interval time.Duration,
	logger *zap.SugaredLogger,
) *StatsCollector {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StatsCollector{
		registry:  registry,
		publisher: publisher,
		interval:  interval,
		now:       time.Now,
		logger:    logger,
	}
}

func (c *StatsCollector) Interval() time.Duration {
	return c.interval
}

// Start launches the collection loop. Starting a running collector is a no-op.
func (c *StatsCollector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)

	c.logger.Debugw("stats collector started", "interval", c.interval)
}

// Stop halts the loop and waits for an in-flight cycle to return. Safe to call repeatedly.
func (c *StatsCollector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Debugw("stats collector stopped")
}

func (c *StatsCollector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *StatsCollector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}

// CollectOnce runs a single collection cycle. A failing connection is logged and
// skipped; the remaining connections are still collected.
func (c *StatsCollector) CollectOnce(ctx context.Context) {
	for id, record := range c.registry.All() {
		if ctx.Err() != nil {
			return
		}

		report, err := record.Transport.GetStats(ctx)
		if err != nil {
			c.logger.Warnw("failed to collect connection stats",
				"participant_id", id,
				"error", err,
			)
			continue
		}

		// closed while the transport was being read
		if cur, ok := c.registry.Get(id); !ok || cur != record {
			continue
		}

		stats := ReduceStats(report, c.now())
		record.commitStats(stats, func() {
			if c.publisher != nil {
				event := domain.NewEvent(domain.EventStatsUpdated, id)
				event.Stats = &stats
				c.publisher.Publish(event)
			}
		})
	}
}

// ReduceStats folds a transport stats report into a ConnectionStats snapshot.
// Inbound and outbound RTP rows are summed, jitter is the worst inbound jitter and
// round trip time comes from the most recent succeeded candidate pair.
func ReduceStats(report webrtc.StatsReport, now time.Time) domain.ConnectionStats {
	stats := domain.NewConnectionStats(now)

	var (
		pairFound bool
		pairTime  webrtc.StatsTimestamp
	)

	addInbound := func(s webrtc.InboundRTPStreamStats) {
		stats.BytesReceived += s.BytesReceived
		stats.PacketsReceived += uint64(s.PacketsReceived)
		if s.PacketsLost > 0 {
			stats.PacketsLost += uint64(s.PacketsLost)
		}
		if s.Jitter > stats.Jitter {
			stats.Jitter = s.Jitter
		}
	}
	addOutbound := func(s webrtc.OutboundRTPStreamStats) {
		stats.BytesSent += s.BytesSent
		stats.PacketsSent += uint64(s.PacketsSent)
	}
	addPair := func(s webrtc.ICECandidatePairStats) {
		if s.State != webrtc.StatsICECandidatePairStateSucceeded {
			return
		}
		if pairFound && s.Timestamp < pairTime {
			return
		}
		pairFound = true
		pairTime = s.Timestamp
		stats.RoundTripTime = s.CurrentRoundTripTime
	}

	for _, row := range report {
		switch s := row.(type) {
		case webrtc.InboundRTPStreamStats:
			addInbound(s)
		case webrtc.OutboundRTPStreamStats:
			addOutbound(s)
		case webrtc.ICECandidatePairStats:
			addPair(s)
		}
	}

	return stats
}
