package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"sdforge/sdruntime"
)

// progressReporter draws remote generation progress. A disabled reporter
// ignores every update.
type progressReporter struct {
	bar *progressbar.ProgressBar
}

func newProgressBar(w io.Writer, enabled bool) *progressReporter {
	if !enabled {
		return &progressReporter{}
	}
	return &progressReporter{
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("generating"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowBytes(false),
			progressbar.OptionClearOnFinish(),
		),
	}
}

// update matches imagegen.ProgressFunc.
func (p *progressReporter) update(fraction float64, eta time.Duration) {
	if p.bar == nil {
		return
	}
	if eta > 0 {
		p.bar.Describe(fmt.Sprintf("generating (eta %s)", eta.Round(time.Second)))
	}
	p.bar.Set(int(fraction * 100))
}

func (p *progressReporter) finish() {
	if p.bar == nil {
		return
	}
	p.bar.Finish()
}

// printSummary writes one line per image to w: the saved path, or the reason
// it could not be written.
func printSummary(w io.Writer, requestID string, result *sdruntime.GenerationResult) {
	header := color.New(color.FgCyan, color.Bold)
	ok := color.New(color.FgGreen)
	fail := color.New(color.FgRed)
	dim := color.New(color.FgHiBlack)

	failed := make(map[int]*sdruntime.PersistenceError, len(result.PersistErrors))
	for _, perr := range result.PersistErrors {
		failed[perr.Index] = perr
	}

	header.Fprintf(w, "sdforge %s\n", requestID)
	for _, img := range result.Images {
		if perr, isFailed := failed[img.Index]; isFailed {
			fail.Fprintf(w, "  ✗ image %d: %v\n", img.Index, perr.Err)
			continue
		}
		ok.Fprintf(w, "  ✓ %s", img.Path)
		dim.Fprintf(w, "  %s\n", shortDigest(img.Digest))
	}

	seed := "random"
	if primary := result.Primary(); primary != nil && primary.Info.Seed != nil {
		seed = fmt.Sprint(*primary.Info.Seed)
	}
	dim.Fprintf(w, "  %d/%d saved, seed %s, %v\n",
		result.Saved(), len(result.Images), seed, result.Duration.Round(time.Millisecond))
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
