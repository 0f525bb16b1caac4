package wayback

import (
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Progress is a nil-safe wrapper around progressbar.ProgressBar.
// A nil *Progress is valid; all methods are no-ops, making it trivial
// to disable output in tests or non-interactive pipelines.
type Progress struct {
	bar *progressbar.ProgressBar
}

// NewSearchProgress creates an indeterminate spinner for a paginated index
// search. The iterator advances it by one step per page fetched.
func NewSearchProgress() *Progress {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetDescription("Fetching capture index"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
	return &Progress{bar: bar}
}

// NewBatchProgress creates a determinate bar for a batch memento fetch of
// total targets.
func NewBatchProgress(total int) *Progress {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetDescription("Fetching mementos"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() {
			_, _ = os.Stderr.WriteString("\n")
		}),
	)
	return &Progress{bar: bar}
}

// Inc increments the progress bar by one step.
func (p *Progress) Inc() {
	if p == nil {
		return
	}
	_ = p.bar.Add(1)
}

// Finish marks the bar as complete and moves to a new line.
func (p *Progress) Finish() {
	if p == nil {
		return
	}
	_ = p.bar.Finish()
}
