package fetchengine

// Progress is a snapshot of a job's transfer state, safe to read concurrently
// with the job's own goroutine since it is only ever constructed from atomics.
type Progress struct {
	BytesTotal     int64
	BytesWritten   int64
	SegmentsTotal  int
	SegmentsDone   int
	State          JobState
}

// Percent returns 0-100, or -1 if the total size is not yet known.
func (p Progress) Percent() float64 {
	if p.BytesTotal <= 0 {
		return -1
	}
	return 100 * float64(p.BytesWritten) / float64(p.BytesTotal)
}

// ObserverFunc is invoked on every throttled progress update.
type ObserverFunc func(Progress)
