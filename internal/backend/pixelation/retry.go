package pixelation

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"
)

// Retry policy defaults. The exact constants are tuned, not load-bearing:
// the contract is a bounded attempt count, a monotonically non-decreasing
// backoff, and a quality floor.
const (
	DefaultMaxAttempts  = 5
	DefaultQualityFloor = 0.6
	defaultQualityStep  = 0.1
	reclaimIdle         = 100 * time.Millisecond
)

// LevelGenerator wraps GenerateLevels with bounded retry, progressive
// backoff, and quality degradation to absorb transient resource exhaustion.
type LevelGenerator struct {
	// MaxAttempts is the total attempt budget (1 initial + retries),
	// not counting the final floor-quality attempt.
	MaxAttempts int

	// QualityFloor is the lowest encode quality the controller will
	// degrade to.
	QualityFloor float64

	// Backoff returns the wait before the retry following the given
	// attempt number (1-based). Must be non-decreasing in attempt.
	Backoff func(attempt int) time.Duration

	// Injection points for tests.
	generate func(ctx context.Context, src *Surface, quality float64, blockSizes [4]int) (*LevelSet, error)
	sleep    func(d time.Duration)
	reclaim  func()
}

// NewLevelGenerator returns a generator with the default retry policy.
func NewLevelGenerator() *LevelGenerator {
	return &LevelGenerator{
		MaxAttempts:  DefaultMaxAttempts,
		QualityFloor: DefaultQualityFloor,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
		generate: GenerateLevels,
		sleep:    time.Sleep,
		reclaim:  reclaimMemory,
	}
}

// GenerateWithRetry runs the level generator until it yields a complete
// four-level set or the attempt budget is exhausted. A generation that
// returns without error but with incomplete levels counts as a failure and
// is retried. After the budget runs out, one final attempt is made at the
// quality floor before giving up for good.
func (g *LevelGenerator) GenerateWithRetry(ctx context.Context, src *Surface, quality float64, blockSizes [4]int) (*LevelSet, error) {
	var lastErr error

	for attempt := 1; attempt <= g.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &UnrecoverableError{Attempts: attempt - 1, Err: err}
		}

		attemptQuality := g.attemptQuality(quality, attempt)

		set, err := g.generate(ctx, src, attemptQuality, blockSizes)
		if err == nil && set.IsComplete() {
			if attempt > 1 {
				slog.Info("level generation succeeded after retry",
					"attempt", attempt,
					"quality", attemptQuality)
			}
			return set, nil
		}
		if err == nil {
			err = transientf("generate levels", "generator returned incomplete set, missing %s", levelNames(set.MissingLevels()))
		}
		lastErr = err

		slog.Warn("level generation attempt failed",
			"attempt", attempt,
			"max_attempts", g.MaxAttempts,
			"quality", attemptQuality,
			"error", err)

		if attempt < g.MaxAttempts {
			g.sleep(g.Backoff(attempt))
			g.reclaim()
			g.sleep(reclaimIdle)
		}
	}

	// Last resort: a single attempt at the quality floor.
	slog.Warn("retry budget exhausted, attempting final generation at quality floor",
		"quality", g.QualityFloor)

	set, err := g.generate(ctx, src, g.QualityFloor, blockSizes)
	if err == nil && set.IsComplete() {
		return set, nil
	}
	if err != nil {
		lastErr = err
	}

	return nil, &UnrecoverableError{Attempts: g.MaxAttempts, Err: lastErr}
}

// attemptQuality degrades encode quality from the third attempt onward,
// trading fidelity for memory and encoder pressure, floored at QualityFloor.
func (g *LevelGenerator) attemptQuality(quality float64, attempt int) float64 {
	if attempt < 3 {
		return quality
	}
	q := quality - defaultQualityStep*float64(attempt-2)
	if q < g.QualityFloor {
		q = g.QualityFloor
	}
	return q
}

// reclaimMemory hints the runtime to give memory back before a retry.
// Advisory only; there is no guarantee anything is actually freed.
func reclaimMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
