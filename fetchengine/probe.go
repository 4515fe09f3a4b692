package fetchengine

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"fetchd/httpclient"
	"fetchd/internal"
)

// probe performs the single exchange that tells the rest of the engine
// whether the origin supports byte ranges and how large the resource is.
// Grounded on the teacher's downloader/resolver.go HTTP-client usage,
// generalized from a multi-step authenticated API resolution flow down to
// a plain HEAD-then-ranged-GET-fallback exchange against an arbitrary origin.
func probe(ctx context.Context, client *httpclient.Client, rawURL string, opts Options) (RemoteDescriptor, error) {
	req, err := client.NewRequest(ctx, http.MethodHead, rawURL, opts.Headers, opts.Auth)
	if err != nil {
		return RemoteDescriptor{}, err
	}

	resp, err := client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if desc, ok := descriptorFromHeadResponse(resp); ok {
			return desc, nil
		}
	}

	// HEAD was refused, didn't answer with enough information, or the
	// origin doesn't support it at all — fall back to a zero-length range GET.
	req, err = client.NewRequest(ctx, http.MethodGet, rawURL, opts.Headers, opts.Auth)
	if err != nil {
		return RemoteDescriptor{}, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err = client.Do(req)
	if err != nil {
		return RemoteDescriptor{}, err
	}
	defer resp.Body.Close()

	return descriptorFromRangeResponse(resp)
}

func descriptorFromHeadResponse(resp *http.Response) (RemoteDescriptor, bool) {
	if resp.StatusCode != http.StatusOK {
		return RemoteDescriptor{}, false
	}

	size := resp.ContentLength
	acceptRanges := strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")

	if size < 0 && !acceptRanges {
		return RemoteDescriptor{}, false
	}

	return RemoteDescriptor{
		TotalSize:    size,
		AcceptRanges: acceptRanges,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
	}, true
}

func descriptorFromRangeResponse(resp *http.Response) (RemoteDescriptor, error) {
	desc := RemoteDescriptor{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		desc.AcceptRanges = true
		desc.TotalSize = parseContentRangeTotal(resp.Header.Get("Content-Range"))
		return desc, nil
	case http.StatusOK:
		desc.AcceptRanges = false
		desc.TotalSize = resp.ContentLength
		return desc, nil
	case http.StatusRequestedRangeNotSatisfiable:
		return RemoteDescriptor{}, internal.NewRangeUnsupportedError()
	default:
		return RemoteDescriptor{}, internal.NewUnreachableError(resp.Request.URL.String(), "unexpected probe response")
	}
}

// parseContentRangeTotal extracts the total length from a header of the
// form "bytes 0-0/12345". Returns -1 when the total is reported as "*".
func parseContentRangeTotal(headerValue string) int64 {
	parts := strings.Split(headerValue, "/")
	if len(parts) != 2 {
		return -1
	}
	if parts[1] == "*" {
		return -1
	}
	total, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return -1
	}
	return total
}
