package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
)

// ProgressTracker renders a segmented download's progress: an aggregate byte
// counter driven across every concurrent segment fetcher, plus how many of
// the plan's segments have completed. Grounded on the teacher's single-stream
// ProgressTracker; generalized here for the engine's multi-segment model,
// which the teacher's tracker never had to represent.
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	startTime time.Time
	total     int64
	current   int64
	segsTotal int
	segsDone  int
	mutex     sync.RWMutex

	// Statistics tracking
	lastUpdate   time.Time
	lastBytes    int64
	speedSamples []float64
	maxSamples   int
}

// DownloadSummary contains final download statistics
type DownloadSummary struct {
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	PeakSpeed    float64 // bytes per second
	Filename     string
}

// NewProgressTracker creates a new progress tracker with enhanced statistics
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:        quiet,
		startTime:    time.Now(),
		total:        total,
		current:      0,
		lastUpdate:   time.Now(),
		lastBytes:    0,
		speedSamples: make([]float64, 0),
		maxSamples:   10, // Keep last 10 speed samples for smoothing
	}

	if !quiet {
		// Create progress bar with custom template showing speed, ETA, and
		// how many of the plan's segments have completed.
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{string . "segments"}} {{rtime . "ETA %s"}}`
		bar := pb.ProgressBarTemplate(tmpl).Start64(total)
		bar.Set(pb.Bytes, true)
		bar.Set(pb.SIBytesPrefix, true)
		bar.Set("prefix", "Downloading: ")
		bar.Set("segments", "")
		tracker.bar = bar
	}

	return tracker
}

// Update reports the aggregate bytes written so far across every segment,
// along with how many of the plan's segments (segsDone of segsTotal) have
// reached SegmentCompleted, and recalculates real-time speed statistics.
func (p *ProgressTracker) Update(current int64, segsDone, segsTotal int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	p.current = current
	p.segsDone = segsDone
	p.segsTotal = segsTotal

	if p.bar != nil {
		p.bar.SetCurrent(current)
		if segsTotal > 0 {
			p.bar.Set("segments", fmt.Sprintf("[seg %d/%d]", segsDone, segsTotal))
		}

		// Update speed calculation
		timeDiff := now.Sub(p.lastUpdate).Seconds()
		if timeDiff > 0.1 { // Update speed every 100ms to avoid too frequent updates
			bytesDiff := current - p.lastBytes
			currentSpeed := float64(bytesDiff) / timeDiff

			// Add to speed samples for smoothing
			p.speedSamples = append(p.speedSamples, currentSpeed)
			if len(p.speedSamples) > p.maxSamples {
				p.speedSamples = p.speedSamples[1:]
			}

			// Calculate smoothed speed
			var avgSpeed float64
			for _, speed := range p.speedSamples {
				avgSpeed += speed
			}
			if len(p.speedSamples) > 0 {
				avgSpeed /= float64(len(p.speedSamples))
			}

			// Update progress bar with current speed
			p.bar.Set(pb.Static, humanize.Bytes(uint64(avgSpeed))+"/s")

			p.lastUpdate = now
			p.lastBytes = current
		}
	}
}

// Finish completes the progress bar and returns a download summary for path,
// the file the job ultimately published to.
func (p *ProgressTracker) Finish(path string) *DownloadSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	endTime := time.Now()
	totalTime := endTime.Sub(p.startTime)

	if p.bar != nil {
		p.bar.Finish()
	}

	// Calculate final statistics
	averageSpeed := float64(p.current) / totalTime.Seconds()

	// Find peak speed from samples
	var peakSpeed float64
	for _, speed := range p.speedSamples {
		if speed > peakSpeed {
			peakSpeed = speed
		}
	}

	summary := &DownloadSummary{
		TotalBytes:   p.current,
		TotalTime:    totalTime,
		AverageSpeed: averageSpeed,
		PeakSpeed:    peakSpeed,
		Filename:     path,
	}

	// Display summary if not in quiet mode
	if !p.quiet {
		p.displaySummary(summary)
	}

	return summary
}

// displaySummary prints the download summary statistics
func (p *ProgressTracker) displaySummary(summary *DownloadSummary) {
	fmt.Printf("\n")
	fmt.Printf("Download completed successfully!\n")
	fmt.Printf("Total size: %s\n", humanize.Bytes(uint64(summary.TotalBytes)))
	fmt.Printf("Total time: %v\n", summary.TotalTime.Round(time.Millisecond))
	fmt.Printf("Average speed: %s/s\n", humanize.Bytes(uint64(summary.AverageSpeed)))
	if summary.PeakSpeed > 0 {
		fmt.Printf("Peak speed: %s/s\n", humanize.Bytes(uint64(summary.PeakSpeed)))
	}
	if summary.Filename != "" {
		fmt.Printf("Saved to: %s\n", summary.Filename)
	}
}

// GetCurrentStats returns current download statistics
func (p *ProgressTracker) GetCurrentStats() (speed float64, eta time.Duration, percentage float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	// Calculate current speed from recent samples
	var currentSpeed float64
	if len(p.speedSamples) > 0 {
		// Use average of recent samples
		sampleCount := len(p.speedSamples)
		if sampleCount > 3 {
			sampleCount = 3 // Use last 3 samples for current speed
		}
		for i := len(p.speedSamples) - sampleCount; i < len(p.speedSamples); i++ {
			currentSpeed += p.speedSamples[i]
		}
		currentSpeed /= float64(sampleCount)
	}

	// Calculate ETA
	var etaTime time.Duration
	if currentSpeed > 0 && p.total > p.current {
		remainingBytes := p.total - p.current
		etaSeconds := float64(remainingBytes) / currentSpeed
		etaTime = time.Duration(etaSeconds) * time.Second
	}

	// Calculate percentage
	var percent float64
	if p.total > 0 {
		percent = float64(p.current) / float64(p.total) * 100
	}

	return currentSpeed, etaTime, percent
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}
