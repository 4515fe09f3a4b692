package fetchengine

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"

	"fetchd/httpclient"
	"fetchd/internal"
	"fetchd/utils"
)

// JobState is a node in the download job's lifecycle, per SPEC_FULL §3/§4.G:
// created -> probing -> planning -> downloading -> assembling -> published | failed | cancelled.
type JobState string

const (
	StateCreated     JobState = "created"
	StateProbing     JobState = "probing"
	StatePlanning    JobState = "planning"
	StateDownloading JobState = "downloading"
	StateAssembling  JobState = "assembling"
	StatePublished   JobState = "published"
	StateFailed      JobState = "failed"
	StateCancelled   JobState = "cancelled"
)

// Result is the terminal outcome of a job, delivered via JobHandle.Wait.
type Result struct {
	State     JobState
	Published Published
	Err       error
}

// job is the Coordinator's unit of work: the only place DownloadJob.state is
// mutated, per SPEC_FULL §4.G. Grounded on the teacher's
// MultiThreadEngine.Download/Resume orchestration, redesigned per
// REDESIGN FLAGS §9 from a single blocking call into an explicit state
// machine behind a handle a caller can poll, wait on, or cancel.
type job struct {
	id        string
	url       string
	finalPath string
	layout    stagingLayout
	opts      Options

	client        *httpclient.Client
	globalLimiter *utils.GlobalLimiter
	logger        Logger

	mu    sync.Mutex
	state JobState

	bytesTotal   int64
	bytesWritten int64
	segTotal     int32
	segDone      int32

	observers []ObserverFunc
	obsMu     sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

func newJob(rawURL, finalPath string, opts Options, client *httpclient.Client, globalLimiter *utils.GlobalLimiter, logger Logger) *job {
	return &job{
		id:            deriveJobID(finalPath),
		url:           rawURL,
		finalPath:     finalPath,
		layout:        newStagingLayout(finalPath),
		opts:          opts,
		client:        client,
		globalLimiter: globalLimiter,
		logger:        logger,
		state:         StateCreated,
		done:          make(chan struct{}),
	}
}

// deriveJobID produces a stable identifier for the same output path across
// process restarts, so resuming a job never mints a new identity for it.
// KSUID is normally time-seeded; here it is driven off a hash of the path
// instead so the same path always yields the same ID (SPEC_FULL §3: "a job
// identifier... derived deterministically from the final output path").
func deriveJobID(finalPath string) string {
	h := fnv64a(finalPath)
	payload := make([]byte, ksuid.PayloadLength)
	for i := range payload {
		payload[i] = byte(h >> (8 * uint(i%8)))
	}
	id, err := ksuid.FromParts(time.Unix(int64(h&0x7fffffff), 0), payload)
	if err != nil {
		// Deterministic inputs only; FromParts fails only on a
		// malformed payload length, which cannot happen here.
		return finalPath
	}
	return id.String()
}

func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func (j *job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *job) snapshot() Progress {
	j.mu.Lock()
	state := j.state
	j.mu.Unlock()

	return Progress{
		BytesTotal:    atomic.LoadInt64(&j.bytesTotal),
		BytesWritten:  atomic.LoadInt64(&j.bytesWritten),
		SegmentsTotal: int(atomic.LoadInt32(&j.segTotal)),
		SegmentsDone:  int(atomic.LoadInt32(&j.segDone)),
		State:         state,
	}
}

func (j *job) addObserver(f ObserverFunc) {
	j.obsMu.Lock()
	j.observers = append(j.observers, f)
	j.obsMu.Unlock()
}

func (j *job) emit() {
	snap := j.snapshot()
	j.obsMu.Lock()
	observers := append([]ObserverFunc(nil), j.observers...)
	j.obsMu.Unlock()
	for _, o := range observers {
		o(snap)
	}
}

// run executes the full state machine. It is launched in its own goroutine
// by Manager.Start and reports its terminal Result over j.done.
func (j *job) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	defer close(j.done)

	start := time.Now()
	result, err := j.runLocked(ctx)
	if err != nil {
		if kindOf(err) == internal.KindCancelled {
			j.setState(StateCancelled)
			j.result = Result{State: StateCancelled, Err: err}
		} else {
			j.setState(StateFailed)
			j.result = Result{State: StateFailed, Err: err}
		}
		j.emit()
		return
	}

	result.Elapsed = time.Since(start).Seconds()
	j.setState(StatePublished)
	j.result = Result{State: StatePublished, Published: result}
	j.emit()
}

func kindOf(err error) internal.ErrorKind {
	fe, ok := err.(*internal.FetchError)
	if !ok {
		return internal.KindInternalInvariant
	}
	return fe.Kind
}

func (j *job) runLocked(ctx context.Context) (Published, error) {
	j.setState(StateProbing)
	j.emit()
	remote, err := probe(ctx, j.client, j.url, j.opts)
	if err != nil {
		return Published{}, err
	}

	j.setState(StatePlanning)
	if err := j.layout.acquire(); err != nil {
		return Published{}, err
	}
	defer j.layout.release()

	store := newJournalStore(j.layout)

	existing, err := store.load()
	if err != nil {
		// Corrupt journal: wipe staging and restart from empty, per
		// SPEC_FULL §4.C's corruption-recovery path.
		if rmErr := j.layout.destroy(); rmErr != nil {
			return Published{}, rmErr
		}
		if err := j.layout.acquire(); err != nil {
			return Published{}, err
		}
		existing = nil
	}

	segPlan := plan(remote, j.opts, existing, j.layout)

	journalRecord := &Journal{
		Version:  JournalVersion,
		JobID:    j.id,
		URL:      j.url,
		Remote:   remote,
		Plan:     segPlan,
		Expected: j.opts.Expected,
	}

	if err := ensureSegmentFiles(journalRecord.Plan, j.layout); err != nil {
		return Published{}, err
	}
	if err := store.commit(journalRecord); err != nil {
		return Published{}, err
	}

	atomic.StoreInt64(&j.bytesTotal, journalRecord.Plan.TotalBytes())
	atomic.StoreInt32(&j.segTotal, int32(len(journalRecord.Plan.Segments)))
	atomic.StoreInt64(&j.bytesWritten, journalRecord.Plan.BytesWritten())
	j.emit()

	j.setState(StateDownloading)
	j.emit()

	ticker := time.NewTicker(j.progressInterval())
	defer ticker.Stop()
	tickerDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				j.emit()
			case <-tickerDone:
				return
			}
		}
	}()

	base := journalRecord.Plan.BytesWritten()
	err = runSegments(ctx, j.client, store, journalRecord, j.layout, j.opts, j.globalLimiter, func(total int64) {
		for next := base + total; ; {
			cur := atomic.LoadInt64(&j.bytesWritten)
			if next <= cur || atomic.CompareAndSwapInt64(&j.bytesWritten, cur, next) {
				return
			}
		}
	})
	close(tickerDone)
	if err != nil {
		return Published{}, err
	}

	j.setState(StateAssembling)
	j.emit()

	published, err := assemble(journalRecord, j.layout, j.finalPath, j.opts)
	if err != nil {
		return Published{}, err
	}

	if err := j.layout.destroy(); err != nil {
		return Published{}, err
	}

	return published, nil
}

func (j *job) progressInterval() time.Duration {
	if j.opts.ProgressInterval <= 0 {
		return DefaultProgressInterval
	}
	return j.opts.ProgressInterval
}

// ensureSegmentFiles makes every known-length staging segment file exactly
// as long as the BytesWritten its journal row records, so fetchSegment's
// length check holds and it appends from there: a missing file is created
// empty and a longer file is cut back to the recorded length. Grounded on
// the teacher's utils.FileOperations.CreatePartialFile.
func ensureSegmentFiles(p SegmentPlan, layout stagingLayout) error {
	fileOps := utils.NewFileOperations()
	for _, seg := range p.Segments {
		path := layout.segmentPath(seg.Index)
		if seg.UnknownLength() {
			// Length isn't known until the response streams in. Only
			// create the file if it's missing;
			// an existing file holds resumed progress that must not be
			// truncated away.
			if _, err := fileOps.GetFileSize(path); err == nil {
				continue
			}
			if err := fileOps.CreatePartialFile(path, 0); err != nil {
				return internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
			}
			continue
		}
		size, err := fileOps.GetFileSize(path)
		if err != nil {
			err = fileOps.CreatePartialFile(path, 0)
		} else if size > seg.BytesWritten {
			err = os.Truncate(path, seg.BytesWritten)
		}
		if err != nil {
			return internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
		}
	}
	return nil
}
