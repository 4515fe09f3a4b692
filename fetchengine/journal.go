package fetchengine

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"fetchd/internal"
)

// journalEnvelope is what actually lives on disk: the journal payload plus
// an xxhash64 checksum over it, a second line of defense against a torn
// write even though commits are supposed to be atomic-rename already.
type journalEnvelope struct {
	Payload  json.RawMessage `json:"payload"`
	Checksum uint64          `json:"checksum"`
}

// journalStore owns the durable commit discipline for one job: write to
// journal.tmp, fsync isn't attempted (matching the teacher's plain-rename
// durability level), then atomic rename over journal.
type journalStore struct {
	layout stagingLayout
	mutex  sync.Mutex
}

func newJournalStore(layout stagingLayout) *journalStore {
	return &journalStore{layout: layout}
}

// load reads and validates the journal, returning (nil, nil) if absent.
func (js *journalStore) load() (*Journal, error) {
	raw, err := os.ReadFile(js.layout.journalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	var env journalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, internal.NewStagingInconsistentError(js.layout.journalPath(), "journal is not valid JSON")
	}

	if xxhash.Sum64(env.Payload) != env.Checksum {
		return nil, internal.NewStagingInconsistentError(js.layout.journalPath(), "journal checksum mismatch, possible torn write")
	}

	var j Journal
	if err := json.Unmarshal(env.Payload, &j); err != nil {
		return nil, internal.NewStagingInconsistentError(js.layout.journalPath(), "journal payload does not decode")
	}

	if j.Version != JournalVersion {
		return nil, internal.NewStagingInconsistentError(js.layout.journalPath(), "unknown journal schema version")
	}

	return &j, nil
}

// commit durably replaces the journal with j, via write-temp-then-rename.
func (js *journalStore) commit(j *Journal) error {
	js.mutex.Lock()
	defer js.mutex.Unlock()

	j.UpdatedAt = time.Now()

	payload, err := json.Marshal(j)
	if err != nil {
		return internal.NewFetchError(0, err.Error(), internal.KindInternalInvariant)
	}

	env := journalEnvelope{Payload: payload, Checksum: xxhash.Sum64(payload)}
	encoded, err := json.Marshal(env)
	if err != nil {
		return internal.NewFetchError(0, err.Error(), internal.KindInternalInvariant)
	}

	tmp := js.layout.journalTmpPath()
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	if err := os.Rename(tmp, js.layout.journalPath()); err != nil {
		return internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	return nil
}

// updateSegment applies mutate to segment idx and commits the result.
// mutate runs in place on the caller's *Journal under js.mutex; no copy of
// the journal is made, and the commit takes js.mutex again afterwards.
func (js *journalStore) updateSegment(j *Journal, idx int, mutate func(*SegmentState)) error {
	js.mutex.Lock()
	if idx < 0 || idx >= len(j.Plan.Segments) {
		js.mutex.Unlock()
		return internal.NewFetchError(0, "segment index out of range", internal.KindInternalInvariant)
	}
	mutate(&j.Plan.Segments[idx])
	js.mutex.Unlock()

	return js.commit(j)
}
