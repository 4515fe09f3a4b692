package fetchengine

import (
	"net/http"
	"time"
)

// Default option values, named directly in SPEC_FULL §6.
const (
	DefaultMaxParallelism     = 8
	DefaultTargetSegmentSize  = 8 * 1024 * 1024 // 8 MiB
	DefaultMaxAttempts        = 5
	DefaultConnectTimeout     = 10 * time.Second
	DefaultIdleTimeout        = 30 * time.Second
	DefaultProgressInterval   = 250 * time.Millisecond
	DefaultRetryBaseDelay     = 500 * time.Millisecond
	DefaultRetryCapDelay      = 30 * time.Second
	DefaultJournalCoalesceN   = 512 * 1024 // bytes
	DefaultJournalCoalesceDur = 2 * time.Second
)

// AuthDecorator is an opaque caller-supplied hook applied to every outbound
// request. Credential and TLS policy enters the core only through this —
// the core never parses cookie files or knows what "auth" means.
type AuthDecorator func(*http.Request)

// Options configures a single job. Manager.Start begins from DefaultOptions()
// and then applies each JobOption; a Manager carries no per-job defaults.
type Options struct {
	MaxParallelism     int
	TargetSegmentSize  int64
	MaxAttempts        int
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
	Headers            map[string]string
	Auth               AuthDecorator
	RateLimitBytesPerSecond int64
	Expected           *ExpectedDigest
	Overwrite          bool
	ProgressInterval   time.Duration
}

// DefaultOptions returns the engine-wide defaults documented in SPEC_FULL §6.
func DefaultOptions() Options {
	return Options{
		MaxParallelism:    DefaultMaxParallelism,
		TargetSegmentSize: DefaultTargetSegmentSize,
		MaxAttempts:       DefaultMaxAttempts,
		ConnectTimeout:    DefaultConnectTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		ProgressInterval:  DefaultProgressInterval,
	}
}

// JobOption mutates a job's Options at submission time.
type JobOption func(*Options)

func WithMaxParallelism(n int) JobOption {
	return func(o *Options) { o.MaxParallelism = n }
}

func WithTargetSegmentSize(n int64) JobOption {
	return func(o *Options) { o.TargetSegmentSize = n }
}

func WithMaxAttempts(n int) JobOption {
	return func(o *Options) { o.MaxAttempts = n }
}

func WithHeaders(h map[string]string) JobOption {
	return func(o *Options) { o.Headers = h }
}

func WithAuth(a AuthDecorator) JobOption {
	return func(o *Options) { o.Auth = a }
}

func WithRateLimit(bytesPerSecond int64) JobOption {
	return func(o *Options) { o.RateLimitBytesPerSecond = bytesPerSecond }
}

func WithExpectedDigest(algo DigestAlgorithm, hex string) JobOption {
	return func(o *Options) { o.Expected = &ExpectedDigest{Algorithm: algo, Hex: hex} }
}

func WithOverwrite(overwrite bool) JobOption {
	return func(o *Options) { o.Overwrite = overwrite }
}

func WithProgressInterval(d time.Duration) JobOption {
	return func(o *Options) { o.ProgressInterval = d }
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	proxyURL       string
	connectTimeout time.Duration
	idleTimeout    time.Duration
	tlsSkipVerify  bool
	logger         Logger
	globalRateBytesPerSecond int64
}

func WithProxyURL(url string) ManagerOption {
	return func(c *managerConfig) { c.proxyURL = url }
}

// WithTLSSkipVerify disables certificate verification on the Manager's
// shared transport. TLS policy is a transport-level concern, not a
// per-job one, since every job submitted to a Manager shares one
// *http.Transport.
func WithTLSSkipVerify(skip bool) ManagerOption {
	return func(c *managerConfig) { c.tlsSkipVerify = skip }
}

func WithGlobalRateLimit(bytesPerSecond int64) ManagerOption {
	return func(c *managerConfig) { c.globalRateBytesPerSecond = bytesPerSecond }
}

func WithLogger(l Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

// Logger is the minimal logging surface the engine needs from its caller.
// internal.SecureLogger satisfies this interface.
type Logger interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Debug(format string, args ...interface{})
}
