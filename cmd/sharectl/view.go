package main

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/cairocoder/erfa3ly/internal/client"
)

// barView renders controller snapshots as a terminal progress bar. A new bar
// is started for every upload.
type barView struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

func newBarView(out io.Writer) *barView {
	return &barView{out: out}
}

func (v *barView) Render(s client.Snapshot) {
	switch s.State {
	case client.StateUploading:
		if v.bar == nil {
			v.bar = progressbar.NewOptions64(
				100,
				progressbar.OptionSetWriter(v.out),
				progressbar.OptionSetDescription(fmt.Sprintf("Uploading %s", s.Filename)),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetRenderBlankState(true),
			)
		}
		_ = v.bar.Set(s.Progress)
	case client.StateCancelling:
		if v.bar != nil {
			v.bar.Describe("Cancelling")
		}
	case client.StateCompleted:
		if v.bar != nil {
			_ = v.bar.Set(100)
			_ = v.bar.Finish()
		}
		v.bar = nil
	case client.StateErrored, client.StateCancelled:
		if v.bar != nil {
			_ = v.bar.Exit()
			fmt.Fprintln(v.out)
		}
		v.bar = nil
	}
}
