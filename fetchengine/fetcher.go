package fetchengine

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"

	"fetchd/httpclient"
	"fetchd/internal"
	"fetchd/utils"
)

const fetchChunkSize = 64 * 1024

// fetchOutcome is what a single successful fetch attempt reports back to the scheduler.
type fetchOutcome struct {
	BytesWritten int64
	Digest       string
}

// fetchSegment drives one ranged GET for segment, streaming the response
// into its staging file starting at the byte offset already recorded in
// segment.BytesWritten so within-segment resume never re-downloads bytes
// already on disk. Grounded on the teacher's WorkerPool.downloadSegment /
// copyWithRateLimit, generalized from a fixed full-segment copy to a
// resumable one and from substring-matched status handling to the
// httpclient package's closed error-kind classification.
func fetchSegment(ctx context.Context, client *httpclient.Client, rawURL string, seg SegmentState, segPath string, opts Options, limiter *utils.TokenBucketLimiter, onProgress func(n int64)) (fetchOutcome, error) {
	info, err := os.Stat(segPath)
	if err != nil {
		return fetchOutcome{}, internal.NewStagingInconsistentError(segPath, "segment file missing before fetch")
	}
	if info.Size() != seg.BytesWritten {
		return fetchOutcome{}, internal.NewStagingInconsistentError(segPath, "segment file length does not match journal")
	}

	if !seg.UnknownLength() && seg.Remaining() <= 0 {
		return fetchOutcome{BytesWritten: seg.BytesWritten}, nil
	}

	file, err := os.OpenFile(segPath, os.O_WRONLY, 0o644)
	if err != nil {
		return fetchOutcome{}, internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}
	defer file.Close()

	if _, err := file.Seek(seg.BytesWritten, io.SeekStart); err != nil {
		return fetchOutcome{}, internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	rangeStart := seg.Start + seg.BytesWritten
	req, err := client.NewRequest(ctx, http.MethodGet, rawURL, opts.Headers, opts.Auth)
	if err != nil {
		return fetchOutcome{}, err
	}
	if seg.UnknownLength() {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rangeStart, seg.End))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fetchOutcome{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fetchOutcome{}, internal.NewFetchError(resp.StatusCode, "unexpected status for ranged fetch", internal.KindUnreachable)
	}

	digester := newDigester(opts.Expected)

	written, err := copySegment(ctx, file, resp.Body, digester, limiter, onProgress)
	if err != nil {
		return fetchOutcome{}, err
	}

	outcome := fetchOutcome{BytesWritten: seg.BytesWritten + written}
	if digester != nil {
		outcome.Digest = fmt.Sprintf("%x", digester.Sum(nil))
	}
	return outcome, nil
}

func newDigester(expected *ExpectedDigest) hash.Hash {
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

// copySegment streams src into dst in bounded chunks, checking for
// cancellation between chunks (granularity <= fetchChunkSize) and applying
// the optional per-segment rate limiter before each chunk is committed.
func copySegment(ctx context.Context, dst io.Writer, src io.Reader, digester hash.Hash, limiter *utils.TokenBucketLimiter, onProgress func(n int64)) (int64, error) {
	buf := make([]byte, fetchChunkSize)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return total, internal.NewFetchError(0, "cancelled", internal.KindCancelled)
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.Wait(ctx, n); err != nil {
					return total, internal.NewFetchError(0, "cancelled", internal.KindCancelled)
				}
			}

			if _, err := dst.Write(buf[:n]); err != nil {
				return total, internal.NewFetchError(0, err.Error(), internal.KindIoFull)
			}
			if digester != nil {
				digester.Write(buf[:n])
			}

			total += int64(n)
			if onProgress != nil {
				onProgress(int64(n))
			}
		}

		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, internal.NewUnreachableError("", readErr.Error())
		}
	}
}
