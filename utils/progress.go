package utils

import (
	"io"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// ProgressTracker displays transfer progress for a single download
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	startTime time.Time
	total     int64
	current   int64
	mutex     sync.RWMutex
}

// NewProgressTracker creates a progress tracker. A non-positive total renders
// a bar without a known endpoint; quiet suppresses all output.
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:     quiet,
		startTime: time.Now(),
		total:     total,
	}

	if !quiet {
		tmpl := `{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`
		bar := pb.ProgressBarTemplate(tmpl).Start64(total)
		bar.Set(pb.Bytes, true)
		tracker.bar = bar
	}

	return tracker
}

// Add advances the tracker by n bytes
func (p *ProgressTracker) Add(n int64) {
	p.mutex.Lock()
	p.current += n
	p.mutex.Unlock()

	if p.bar != nil {
		p.bar.Add64(n)
	}
}

// Current returns the number of bytes tracked so far
func (p *ProgressTracker) Current() int64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.current
}

// Elapsed returns the time since the tracker was created
func (p *ProgressTracker) Elapsed() time.Duration {
	return time.Since(p.startTime)
}

// Finish stops the display
func (p *ProgressTracker) Finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}

// NewProxyReader wraps r so reads advance the tracker
func (p *ProgressTracker) NewProxyReader(r io.Reader) io.Reader {
	return &progressReader{tracker: p, reader: r}
}

type progressReader struct {
	tracker *ProgressTracker
	reader  io.Reader
}

func (r *progressReader) Read(buf []byte) (int, error) {
	n, err := r.reader.Read(buf)
	if n > 0 {
		r.tracker.Add(int64(n))
	}
	return n, err
}
