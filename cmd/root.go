package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"fetchd/fetchengine"
	"fetchd/internal"
	"fetchd/utils"
)

var (
	outputPath string
	threads    int
	rateLimit  string
	quiet      bool
	proxyURL   string
	debug      bool
	logLevel   string
	logFile    string
	overwrite  bool
	sha256Hex  string
	headerArgs []string
	config     *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "fetchd",
	Short:   "A resumable, segmented HTTP downloader",
	Version: "v1.0.0",
	Long: `fetchd is a CLI tool for downloading large files over HTTP with
multi-segment parallel transfer, crash-safe resume, and optional whole-file
digest verification.

Environment Variables:
  FETCHD_PARALLELISM   Default number of segments (1-32)
  FETCHD_TIMEOUT       Timeout in seconds (validated and logged; not applied to requests)
  FETCHD_MAX_RETRIES   Default per-segment retry budget
  FETCHD_LOG_LEVEL     Default log level (debug, info, warn, error)`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(cmd); err != nil {
			return fmt.Errorf("configuration error: %v", err)
		}
		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %v", err)
		}
		internal.LogInfo("fetchd starting up")
		internal.LogDebug("configuration loaded: parallelism=%d timeout=%d debug=%v quiet=%v",
			config.DefaultParallelism, config.DefaultTimeout, config.EnableDebug, config.QuietMode)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <URL>",
	Short: "Download a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <URL> <OUTPUT_PATH>",
	Short: "Resume an interrupted download",
	Long: `Resume re-submits the same URL and output path. Progress already
recorded in the staging directory's journal is reused; nothing already
completed is re-fetched.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outputPath = args[1]
		return runGet(args[0])
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <PATH>",
	Short: "Check a published file's digest against an expected value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sha256Hex == "" {
			return fmt.Errorf("--sha256 is required")
		}
		if err := fetchengine.Verify(args[0], fetchengine.DigestSHA256, sha256Hex); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		fmt.Println("OK: digest matches")
		return nil
	},
}

func loadConfiguration(cmd *cobra.Command) error {
	config = internal.DefaultConfig()
	config.LoadFromEnv()

	if !cmd.Flags().Changed("threads") {
		threads = config.DefaultParallelism
	}

	if debug {
		config.EnableDebug = true
		config.LogLevel = "debug"
	}
	if quiet {
		config.QuietMode = true
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFile != "" {
		config.LogFile = logFile
	}

	return config.ValidateConfig()
}

func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q, expected Key: Value", h)
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers, nil
}

func runGet(rawURL string) error {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var rateLimitBytes int64
	if rateLimit != "" {
		var err error
		rateLimitBytes, err = utils.ParseRateLimit(rateLimit)
		if err != nil {
			validationErr := internal.NewValidationErrorWithValue("rate_limit", "invalid format", rateLimit).
				WithSuggestion("Use formats like 1M (1 MB/s), 500K (500 KB/s), 2G (2 GB/s), or a raw byte count")
			internal.LogValidationError(validationErr)
			return fmt.Errorf("invalid rate limit: %w", err)
		}
	}

	if outputPath == "" {
		outputPath = defaultOutputPath(rawURL)
	}
	if err := validateOutputDir(outputPath); err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}

	headers, err := parseHeaders(headerArgs)
	if err != nil {
		return err
	}

	if proxyURL != "" {
		if !strings.HasPrefix(proxyURL, "http://") && !strings.HasPrefix(proxyURL, "https://") && !strings.HasPrefix(proxyURL, "socks5://") {
			return fmt.Errorf("unsupported proxy scheme, use http://, https://, or socks5://")
		}
	}

	manager, err := fetchengine.NewManager(
		fetchengine.WithProxyURL(proxyURL),
		fetchengine.WithLogger(internal.GetLogger()),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	jobOpts := []fetchengine.JobOption{
		fetchengine.WithMaxParallelism(threads),
		fetchengine.WithMaxAttempts(config.MaxRetries),
		fetchengine.WithOverwrite(overwrite),
		fetchengine.WithRateLimit(rateLimitBytes),
	}
	if len(headers) > 0 {
		jobOpts = append(jobOpts, fetchengine.WithHeaders(headers))
	}
	if sha256Hex != "" {
		jobOpts = append(jobOpts, fetchengine.WithExpectedDigest(fetchengine.DigestSHA256, sha256Hex))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		internal.LogInfo("received signal %v, initiating graceful shutdown", sig)
		if !quiet {
			fmt.Printf("\nreceived %v, shutting down gracefully...\n", sig)
		}
		cancel()
	}()

	internal.LogInfo("starting download: url=%s output=%s parallelism=%d", rawURL, outputPath, threads)
	handle, err := manager.Start(ctx, rawURL, outputPath, jobOpts...)
	if err != nil {
		return fmt.Errorf("failed to start download: %w", err)
	}

	var tracker *utils.ProgressTracker
	if !quiet {
		handle.OnProgress(func(p fetchengine.Progress) {
			if tracker == nil && p.State == fetchengine.StateDownloading {
				tracker = utils.NewProgressTracker(p.BytesTotal, quiet)
			}
			if tracker != nil {
				tracker.Update(p.BytesWritten, p.SegmentsDone, p.SegmentsTotal)
			}
		})
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		return fmt.Errorf("download interrupted: %w", err)
	}

	if tracker != nil {
		tracker.Finish(result.Published.Path)
	}

	switch result.State {
	case fetchengine.StatePublished:
		internal.LogInfo("download completed: %s (%d bytes)", result.Published.Path, result.Published.Bytes)
		if !quiet {
			fmt.Printf("saved to: %s\n", result.Published.Path)
		}
		return nil
	case fetchengine.StateCancelled:
		internal.LogInfo("download cancelled, staging retained for resume")
		if !quiet {
			fmt.Printf("cancelled. Resume with: fetchd resume %s %s\n", rawURL, outputPath)
		}
		return fmt.Errorf("download cancelled")
	default:
		internal.LogFetchError(asFetchError(result.Err))
		return fmt.Errorf("download failed: %w", result.Err)
	}
}

func asFetchError(err error) *internal.FetchError {
	if fe, ok := err.(*internal.FetchError); ok {
		return fe
	}
	return internal.NewFetchError(0, err.Error(), internal.KindInternalInvariant)
}

func defaultOutputPath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := filepath.Base(parsed.Path)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	return base
}

func validateOutputDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("output directory does not exist: %s", dir)
	}
	return nil
}

func init() {
	config = internal.DefaultConfig()

	rootCmd.AddCommand(getCmd, resumeCmd, verifyCmd)

	for _, c := range []*cobra.Command{getCmd, resumeCmd} {
		c.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
		c.Flags().IntVarP(&threads, "threads", "t", config.DefaultParallelism, "Number of parallel segments (1-32)")
		c.Flags().StringVarP(&rateLimit, "limit-rate", "r", "", "Bandwidth limit (e.g. 5M)")
		c.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bar output")
		c.Flags().StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS5 proxy URL")
		c.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite an existing output file")
		c.Flags().StringVar(&sha256Hex, "sha256", "", "Expected SHA-256 digest, hex-encoded")
		c.Flags().StringArrayVarP(&headerArgs, "header", "H", nil, "Custom request header, 'Key: Value' (repeatable)")
	}

	verifyCmd.Flags().StringVar(&sha256Hex, "sha256", "", "Expected SHA-256 digest, hex-encoded")

	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr")
}

func Execute() error {
	return rootCmd.Execute()
}
