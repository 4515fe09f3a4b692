package fetchengine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fetchd/httpclient"
	"fetchd/internal"
	"fetchd/utils"
)

// runSegments dispatches every non-completed segment in j.Plan to a bounded
// pool of fetchers, retrying transient failures with jittered exponential
// backoff and cancelling all peers on the first permanent failure.
//
// Grounded on the teacher's WorkerPool/processJob (channel + sync.WaitGroup
// pool, fixed 3-attempt backoff), generalized to golang.org/x/sync/errgroup
// for cleaner first-error cancellation and to the spec's configurable
// attempt budget with the exact jittered backoff formula
// delay = min(cap, base*2^attempt) * uniform(0.5, 1.5).
func runSegments(ctx context.Context, client *httpclient.Client, store *journalStore, j *Journal, layout stagingLayout, opts Options, globalLimiter *utils.GlobalLimiter, onProgress func(total int64)) error {
	pending := pendingSegments(j.Plan)
	if len(pending) == 0 {
		return nil
	}

	workers := opts.MaxParallelism
	if workers <= 0 || workers > len(pending) {
		workers = len(pending)
	}
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)

	var aggregate int64
	lastEmit := make(chan struct{}, 1)

	var perSegmentLimiter *utils.TokenBucketLimiter
	if opts.RateLimitBytesPerSecond > 0 {
		perSegmentLimiter = utils.NewTokenBucketLimiter(opts.RateLimitBytesPerSecond)
	}

	for _, idx := range pending {
		idx := idx
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()

			err := runSegmentWithRetry(gctx, client, store, j, idx, layout, opts, perSegmentLimiter, globalLimiter, func(n int64) {
				total := atomic.AddInt64(&aggregate, n)
				if onProgress == nil {
					return
				}
				select {
				case lastEmit <- struct{}{}:
					onProgress(total)
					<-lastEmit
				default:
				}
			})
			return err
		})
	}

	return g.Wait()
}

func pendingSegments(p SegmentPlan) []int {
	var idx []int
	for _, s := range p.Segments {
		if s.Status != SegmentCompleted {
			idx = append(idx, s.Index)
		}
	}
	return idx
}

// runSegmentWithRetry drives one segment's fetch/retry loop. A Transient
// error retries with backoff up to opts.MaxAttempts; a Permanent error
// marks the segment failed and returns immediately, which cancels the
// group's shared context and stops every other in-flight fetcher.
func runSegmentWithRetry(ctx context.Context, client *httpclient.Client, store *journalStore, j *Journal, idx int, layout stagingLayout, opts Options, perSegmentLimiter *utils.TokenBucketLimiter, globalLimiter *utils.GlobalLimiter, onProgress func(int64)) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if err := store.updateSegment(j, idx, func(s *SegmentState) {
		s.Status = SegmentInFlight
	}); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return internal.NewFetchError(0, "cancelled", internal.KindCancelled)
			}
		}

		seg := j.Plan.Segments[idx]
		base := seg.BytesWritten
		var written, committedAt int64
		lastCommit := time.Now()
		outcome, err := fetchSegment(ctx, client, j.URL, seg, layout.segmentPath(idx), opts, perSegmentLimiter, func(n int64) {
			if globalLimiter != nil {
				_ = globalLimiter.Wait(ctx, int(n))
			}
			onProgress(n)
			written += n

			// Coalesce journal commits: every DefaultJournalCoalesceN bytes
			// or DefaultJournalCoalesceDur, whichever comes first.
			if written-committedAt >= DefaultJournalCoalesceN || time.Since(lastCommit) >= DefaultJournalCoalesceDur {
				committedAt = written
				lastCommit = time.Now()
				_ = store.updateSegment(j, idx, func(s *SegmentState) {
					s.BytesWritten = base + written
				})
			}
		})

		if err == nil {
			commitErr := store.updateSegment(j, idx, func(s *SegmentState) {
				s.Status = SegmentCompleted
				s.BytesWritten = outcome.BytesWritten
				s.Digest = outcome.Digest
			})
			return commitErr
		}

		lastErr = err

		var fe *internal.FetchError
		if errors.As(err, &fe) && !fe.Transient() {
			if fe.Kind != internal.KindCancelled {
				_ = store.updateSegment(j, idx, func(s *SegmentState) {
					s.Status = SegmentFailed
				})
			}
			return err
		}

		_ = store.updateSegment(j, idx, func(s *SegmentState) {
			s.Retries++
			s.BytesWritten = base + written
		})
	}

	_ = store.updateSegment(j, idx, func(s *SegmentState) {
		s.Status = SegmentFailed
	})
	return lastErr
}

// backoffDelay implements delay = min(cap, base*2^attempt) * uniform(0.5, 1.5).
func backoffDelay(attempt int) time.Duration {
	raw := float64(DefaultRetryBaseDelay) * math.Pow(2, float64(attempt))
	capped := math.Min(raw, float64(DefaultRetryCapDelay))
	jittered := capped * (0.5 + rand.Float64())
	return time.Duration(jittered)
}
