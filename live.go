package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type liveError string

func (e liveError) Error() string { return string(e) }

// ErrRefreshInFlight is returned by Refresh while another refresh is running
const ErrRefreshInFlight = liveError("refresh already in flight")

// positionSource supplies every DSE's latest ping
type positionSource interface {
	LatestPositions(ctx context.Context, since time.Time) ([]DisplayPoint, error)
}

// LiveSnapshot is one committed state of the live map
type LiveSnapshot struct {
	Generation  uint64         `json:"generation"`
	RefreshedAt time.Time      `json:"refreshedAt"`
	Points      []DisplayPoint `json:"points"`
}

// LiveBoard keeps the latest-position snapshot and pushes each new one to
// subscribers. At most one refresh runs at a time, and a snapshot is only
// committed if it is newer than the one already applied.
type LiveBoard struct {
	source       positionSource
	classifier   *Classifier
	spread       SpreadOptions
	activeWithin time.Duration
	logger       zerolog.Logger

	inFlight atomic.Bool
	nextGen  atomic.Uint64

	mu   sync.RWMutex
	snap LiveSnapshot
	subs []chan LiveSnapshot
}

// NewLiveBoard creates a board reading positions from source
func NewLiveBoard(source positionSource, classifier *Classifier, spread SpreadOptions, activeWithin time.Duration, logger zerolog.Logger) *LiveBoard {
	return &LiveBoard{
		source:       source,
		classifier:   classifier,
		spread:       spread,
		activeWithin: activeWithin,
		logger:       logger,
		snap:         LiveSnapshot{Points: []DisplayPoint{}},
	}
}

// Refresh fetches positions and commits a new snapshot. It returns
// ErrRefreshInFlight without doing anything if a refresh is already running.
func (b *LiveBoard) Refresh(ctx context.Context) error {
	if !b.inFlight.CompareAndSwap(false, true) {
		return ErrRefreshInFlight
	}
	defer b.inFlight.Store(false)

	gen := b.nextGen.Add(1)

	var since time.Time
	if b.activeWithin > 0 {
		since = b.classifier.Clock.Now().Add(-b.activeWithin)
	}

	points, err := b.source.LatestPositions(ctx, since)
	if err != nil {
		b.logger.Warn().Err(err).Uint64("generation", gen).Msg("live refresh failed")
		return err
	}

	if b.commit(gen, points) {
		b.logger.Debug().Uint64("generation", gen).Int("points", len(points)).Msg("live board refreshed")
	}
	return nil
}

// commit applies points as generation gen unless a newer generation is
// already applied. It reports whether the snapshot was taken.
func (b *LiveBoard) commit(gen uint64, points []DisplayPoint) bool {
	snap := LiveSnapshot{
		Generation:  gen,
		RefreshedAt: b.classifier.Clock.Now(),
		Points:      Spread(decorate(points, b.classifier), b.spread),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if gen <= b.snap.Generation {
		return false
	}
	b.snap = snap
	b.broadcast(snap)
	return true
}

// Snapshot returns the last committed snapshot
func (b *LiveBoard) Snapshot() LiveSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// Subscribe returns a channel that receives every committed snapshot.
// The returned function should be called to unsubscribe when done.
func (b *LiveBoard) Subscribe() (<-chan LiveSnapshot, func()) {
	ch := make(chan LiveSnapshot, 4)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, sub := range b.subs {
			if sub == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}

	return ch, unsubscribe
}

// broadcast sends snap to all subscribers without blocking. Callers hold mu,
// so snapshots reach subscribers in generation order.
func (b *LiveBoard) broadcast(snap LiveSnapshot) {
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
			// Slow consumer, it will catch up on the next snapshot
		}
	}
}

// Close closes every subscriber channel
func (b *LiveBoard) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// decorate returns a copy of points with status and "since" text filled in
func decorate(points []DisplayPoint, c *Classifier) []DisplayPoint {
	out := make([]DisplayPoint, len(points))
	for i, p := range points {
		p.Status = c.Classify(p.TS)
		p.Since = c.Since(p.TS)
		out[i] = p
	}
	return out
}
