package fetchengine

import "os"

// plan produces a SegmentPlan for remote, reusing existing when its
// validators still match. This is grounded on the teacher's
// DownloadPlanner.CalculateSegments/determineOptimalThreads, generalized
// from a thread-count-driven policy to the spec's
// clamp(ceil(total/target), 1, max) segment-count policy, and from
// "threads decide segment count" to "segments and workers are separate
// planning/scheduling decisions".
func plan(remote RemoteDescriptor, opts Options, existing *Journal, layout stagingLayout) SegmentPlan {
	if existing != nil && existing.Remote.SameSource(remote) {
		return reconcile(existing.Plan, layout)
	}

	if !remote.AcceptRanges || remote.TotalSize < 0 {
		end := remote.TotalSize - 1
		if remote.TotalSize < 0 {
			// Genuinely unknown length: End's -1 sentinel marks this
			// segment open-ended rather than encoding a bogus upper
			// bound (SegmentState.UnknownLength).
			end = -1
		}
		return SegmentPlan{Segments: []SegmentState{{
			Index:  0,
			Start:  0,
			End:    end,
			Status: SegmentPending,
		}}}
	}

	n := segmentCount(remote.TotalSize, opts.TargetSegmentSize, opts.MaxParallelism)
	return SegmentPlan{Segments: equalSegments(remote.TotalSize, n)}
}

// segmentCount implements clamp(ceil(total/target), 1, max).
func segmentCount(totalSize, targetSegmentSize int64, maxParallelism int) int {
	if targetSegmentSize <= 0 {
		targetSegmentSize = DefaultTargetSegmentSize
	}
	if maxParallelism <= 0 {
		maxParallelism = DefaultMaxParallelism
	}

	n := int((totalSize + targetSegmentSize - 1) / targetSegmentSize)
	if n < 1 {
		n = 1
	}
	if n > maxParallelism {
		n = maxParallelism
	}
	return n
}

// equalSegments partitions [0,totalSize) into n contiguous ranges. Earlier
// segments absorb the remainder of an uneven division so the final segment
// is never larger than its siblings.
func equalSegments(totalSize int64, n int) []SegmentState {
	segments := make([]SegmentState, n)
	base := totalSize / int64(n)
	remainder := totalSize % int64(n)

	var offset int64
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < remainder {
			size++
		}
		segments[i] = SegmentState{
			Index:  i,
			Start:  offset,
			End:    offset + size - 1,
			Status: SegmentPending,
		}
		offset += size
	}
	return segments
}

// reconcile demotes any segment whose staging file is missing or size
// mismatched back to pending, discarding its recorded progress. This is
// the mechanism behind crash-resume: segments that committed fully before
// the crash stay completed, segments mid-flight restart cleanly.
func reconcile(p SegmentPlan, layout stagingLayout) SegmentPlan {
	out := SegmentPlan{Segments: make([]SegmentState, len(p.Segments))}
	copy(out.Segments, p.Segments)

	for i := range out.Segments {
		seg := &out.Segments[i]
		info, err := os.Stat(layout.segmentPath(seg.Index))
		switch {
		case err != nil:
			seg.Status = SegmentPending
			seg.BytesWritten = 0
		case seg.Status == SegmentCompleted && !seg.UnknownLength() && info.Size() != seg.Length():
			seg.Status = SegmentPending
			seg.BytesWritten = 0
		case seg.Status == SegmentInFlight:
			// Demote: a worker never got to mark this completed, and an
			// in-flight byte count may be stale relative to what's on disk.
			// An open-ended segment has no upper bound to violate, so
			// whatever is already on disk is always trusted.
			seg.Status = SegmentPending
			if seg.UnknownLength() || info.Size() < seg.Length() {
				seg.BytesWritten = info.Size()
			} else {
				seg.BytesWritten = 0
			}
		case seg.Status == SegmentCompleted:
			seg.BytesWritten = info.Size()
		}
	}
	return out
}
