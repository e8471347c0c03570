package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kozaktomas/member-check/internal/fingerprint"
)

// ScanFunc processes one frame.
type ScanFunc func(ctx context.Context, frame []byte) error

// Stats counts what happened to poller ticks.
type Stats struct {
	Sampled     int64 `json:"sampled"`
	SkippedBusy int64 `json:"skipped_busy"`
	Failed      int64 `json:"failed"`
	TimedOut    int64 `json:"timed_out"`
	Unchanged   int64 `json:"unchanged"`
}

// Poller samples a FrameSource on a fixed interval. A tick that finds the
// previous scan still running is skipped, and every scan is bounded by a
// timeout so a hung extractor cannot wedge the loop.
type Poller struct {
	source   FrameSource
	scan     ScanFunc
	interval time.Duration
	timeout  time.Duration
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	logger   logrus.FieldLogger

	// guarded by sem
	skipUnchanged bool
	maxDistance   int
	last          fingerprint.Hash
	hasLast       bool

	sampled, skipped, failed, timedOut, unchanged atomic.Int64
}

// NewPoller creates a poller. scanTimeout bounds a single frame + scan.
func NewPoller(source FrameSource, scan ScanFunc, interval, scanTimeout time.Duration, logger logrus.FieldLogger) *Poller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Poller{
		source:   source,
		scan:     scan,
		interval: interval,
		timeout:  scanTimeout,
		sem:      semaphore.NewWeighted(1),
		logger:   logger,
	}
}

// SkipUnchanged makes the poller drop frames whose perceptual hash is within
// maxDistance bits of the last scanned frame. Call before Run.
func (p *Poller) SkipUnchanged(maxDistance int) {
	p.skipUnchanged = true
	p.maxDistance = maxDistance
}

// Run ticks until ctx is canceled, then waits for the in-flight scan.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick starts a scan in the background unless one is already running.
// Returns false when the tick was skipped.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.sem.TryAcquire(1) {
		p.skipped.Add(1)
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.runOnce(ctx)
	}()
	return true
}

// Wait blocks until the in-flight scan, if any, finishes.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) runOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	p.sampled.Add(1)
	frame, err := p.source.Frame(ctx)
	var hash *fingerprint.Hash
	if err == nil && p.skipUnchanged {
		if h, herr := fingerprint.Compute(frame); herr == nil {
			if p.hasLast && fingerprint.Same(p.last, h, p.maxDistance) {
				p.unchanged.Add(1)
				return
			}
			hash = &h
		}
	}
	if err == nil {
		err = p.scan(ctx, frame)
	}
	interrupted := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil
	if hash != nil && !interrupted {
		p.last, p.hasLast = *hash, true
	}
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		p.timedOut.Add(1)
		p.logger.WithField("timeout", p.timeout).Warn("scan timed out")
	case errors.Is(err, context.Canceled):
	default:
		p.failed.Add(1)
		p.logger.WithError(err).Debug("scan failed")
	}
}

// Stats returns a snapshot of the counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Sampled:     p.sampled.Load(),
		SkippedBusy: p.skipped.Load(),
		Failed:      p.failed.Load(),
		TimedOut:    p.timedOut.Load(),
		Unchanged:   p.unchanged.Load(),
	}
}
