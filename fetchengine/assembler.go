package fetchengine

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"os"

	"fetchd/internal"
	"fetchd/utils"
)

// Published describes a successfully assembled and renamed download.
type Published struct {
	Path    string
	Bytes   int64
	Elapsed float64 // seconds
}

// assemble verifies every segment, concatenates them into a scratch file,
// optionally checks a whole-file digest, and atomically publishes the
// result. Grounded on the teacher's MultiThreadEngine.executeDownload
// rename+verifyFileIntegrity tail (extended here from a size-only check to
// full per-segment-length + whole-file-digest verification) and on the
// Azhovan-durable-retry pack example's SegmentManager.MergeFiles strategy
// of renaming the first segment into place and appending the rest instead
// of copying every byte twice.
func assemble(j *Journal, layout stagingLayout, finalPath string, opts Options) (Published, error) {
	var total int64
	for _, seg := range j.Plan.Segments {
		if seg.Status != SegmentCompleted {
			return Published{}, internal.NewStagingInconsistentError(layout.segmentPath(seg.Index), "segment not completed")
		}
		info, err := os.Stat(layout.segmentPath(seg.Index))
		if err != nil {
			return Published{}, internal.NewStagingInconsistentError(layout.segmentPath(seg.Index), "segment file missing at assembly time")
		}
		if !seg.UnknownLength() && info.Size() != seg.Length() {
			return Published{}, internal.NewStagingInconsistentError(layout.segmentPath(seg.Index), "segment file length mismatch at assembly time")
		}
		total += info.Size()
	}

	if _, err := os.Stat(finalPath); err == nil && !opts.Overwrite {
		return Published{}, internal.NewFetchError(0, "final path already exists", internal.KindStagingInconsistent).WithContext("path", finalPath)
	}

	partPath := layout.partPath(finalPath)

	if len(j.Plan.Segments) == 0 {
		return Published{}, internal.NewFetchError(0, "empty segment plan", internal.KindInternalInvariant)
	}

	fileOps := utils.NewFileOperations()
	if err := fileOps.AtomicRename(layout.segmentPath(0), partPath); err != nil {
		return Published{}, internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	digester := newWholeFileDigester(j.Expected)
	if digester != nil {
		if err := hashExistingFile(partPath, digester); err != nil {
			return Published{}, err
		}
	}

	out, err := os.OpenFile(partPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Published{}, internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	for _, seg := range j.Plan.Segments[1:] {
		if err := appendSegment(out, layout.segmentPath(seg.Index), digester); err != nil {
			out.Close()
			return Published{}, err
		}
	}
	if err := out.Close(); err != nil {
		return Published{}, internal.NewFetchError(0, err.Error(), internal.KindIoFull)
	}

	if digester != nil && j.Expected != nil {
		actual := fmt.Sprintf("%x", digester.Sum(nil))
		if actual != j.Expected.Hex {
			return Published{}, internal.NewIntegrityMismatchError(j.Expected.Hex, actual)
		}
	}

	if err := fileOps.AtomicRename(partPath, finalPath); err != nil {
		return Published{}, internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	for _, seg := range j.Plan.Segments[1:] {
		_ = os.Remove(layout.segmentPath(seg.Index))
	}

	return Published{Path: finalPath, Bytes: total}, nil
}

func appendSegment(dst io.Writer, segPath string, digester hash.Hash) error {
	src, err := os.Open(segPath)
	if err != nil {
		return internal.NewStagingInconsistentError(segPath, "segment file missing during concatenation")
	}
	defer src.Close()

	var w io.Writer = dst
	if digester != nil {
		w = io.MultiWriter(dst, digester)
	}

	if _, err := io.Copy(w, src); err != nil {
		return internal.NewFetchError(0, err.Error(), internal.KindIoFull)
	}
	return nil
}

func hashExistingFile(path string, digester hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}
	defer f.Close()
	if _, err := io.Copy(digester, f); err != nil {
		return internal.NewFetchError(0, err.Error(), internal.KindIoFull)
	}
	return nil
}

func newWholeFileDigester(expected *ExpectedDigest) hash.Hash {
	if expected == nil {
		return nil
	}
	switch expected.Algorithm {
	case DigestMD5:
		return md5.New()
	case DigestSHA1:
		return sha1.New()
	case DigestSHA256:
		return sha256.New()
	case DigestSHA512:
		return sha512.New()
	default:
		return nil
	}
}
