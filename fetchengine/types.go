// Package fetchengine implements the resumable multipart download engine:
// probing a remote origin, planning byte-range segments, fetching them with
// bounded concurrency, journaling progress durably, and assembling the
// completed segments into a published file.
package fetchengine

import "time"

// DigestAlgorithm names a supported whole-file or per-segment checksum.
type DigestAlgorithm string

const (
	DigestNone   DigestAlgorithm = ""
	DigestMD5    DigestAlgorithm = "md5"
	DigestSHA1   DigestAlgorithm = "sha1"
	DigestSHA256 DigestAlgorithm = "sha256"
	DigestSHA512 DigestAlgorithm = "sha512"
)

// RemoteDescriptor captures what the Transport Probe learned about the origin.
type RemoteDescriptor struct {
	TotalSize     int64  // -1 if unknown
	AcceptRanges  bool
	ETag          string
	LastModified  string
	ContentType   string
}

// HasValidator reports whether the descriptor carries a strong or weak validator.
func (r RemoteDescriptor) HasValidator() bool {
	return r.ETag != "" || r.LastModified != ""
}

// SameSource reports whether two descriptors refer to the same immutable
// remote content, per their validators. An empty validator on either side is
// treated as "unknown" rather than "unchanged".
func (r RemoteDescriptor) SameSource(other RemoteDescriptor) bool {
	if r.ETag != "" && other.ETag != "" {
		return r.ETag == other.ETag
	}
	if r.LastModified != "" && other.LastModified != "" {
		return r.LastModified == other.LastModified
	}
	return false
}

// SegmentStatus is a segment's position in its own small lifecycle.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentInFlight  SegmentStatus = "in_flight"
	SegmentCompleted SegmentStatus = "completed"
	SegmentFailed    SegmentStatus = "failed"
)

// SegmentState is one row of the segment table: an immutable range plus
// mutable progress/status fields the Journal Store persists.
type SegmentState struct {
	Index        int           `json:"index"`
	Start        int64         `json:"start"`
	End          int64         `json:"end"` // inclusive
	Status       SegmentStatus `json:"status"`
	BytesWritten int64         `json:"bytes_written"`
	Retries      int           `json:"retries"`
	Digest       string        `json:"digest,omitempty"`
}

// UnknownLength reports whether this segment covers the rest of the body
// with no declared upper bound (planned when the origin's total size could
// not be determined). End holds -1 as the sentinel for "open-ended" rather
// than a real inclusive offset.
func (s SegmentState) UnknownLength() bool {
	return s.End < 0
}

// Length returns the number of bytes this segment covers, or -1 if the
// segment is open-ended and its length won't be known until fetched.
func (s SegmentState) Length() int64 {
	if s.UnknownLength() {
		return -1
	}
	return s.End - s.Start + 1
}

// Remaining returns how many bytes of this segment have not yet been
// fetched, or -1 if that can't be known yet (UnknownLength). Callers must
// check UnknownLength before treating a non-positive Remaining as "done".
func (s SegmentState) Remaining() int64 {
	if s.UnknownLength() {
		return -1
	}
	return s.Length() - s.BytesWritten
}

// SegmentPlan is the ordered, partitioning set of segments covering the file.
type SegmentPlan struct {
	Segments []SegmentState `json:"segments"`
}

// TotalBytes sums the declared length of every segment in the plan, or -1
// if any segment is open-ended and the overall total isn't known yet.
func (p SegmentPlan) TotalBytes() int64 {
	var total int64
	for _, s := range p.Segments {
		if s.UnknownLength() {
			return -1
		}
		total += s.Length()
	}
	return total
}

// BytesWritten sums the bytes written so far across every segment.
func (p SegmentPlan) BytesWritten() int64 {
	var total int64
	for _, s := range p.Segments {
		total += s.BytesWritten
	}
	return total
}

// AllCompleted reports whether every segment in the plan reached SegmentCompleted.
func (p SegmentPlan) AllCompleted() bool {
	for _, s := range p.Segments {
		if s.Status != SegmentCompleted {
			return false
		}
	}
	return true
}

// ExpectedDigest is a caller-supplied whole-file integrity check.
type ExpectedDigest struct {
	Algorithm DigestAlgorithm
	Hex       string
}

// Journal is the durable, versioned record of a job's plan and progress.
// It is the sole source of truth used to resume a job after a crash.
type Journal struct {
	Version      int             `json:"version"`
	JobID        string          `json:"job_id"`
	URL          string          `json:"url"`
	Remote       RemoteDescriptor `json:"remote"`
	Plan         SegmentPlan     `json:"plan"`
	Expected     *ExpectedDigest `json:"expected_digest,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// JournalVersion is the current on-disk schema version. Loading a journal
// with a different version is treated as corrupt.
const JournalVersion = 1
