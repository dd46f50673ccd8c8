package main

import (
	"fmt"
	"os"
	"time"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal
// supports the graphical symbols.
var ProgressbarStyle = progressbar.ThemeASCII

// progressObserver advances a progress bar once per synchronized step. It is
// attached to the root replica's solver, after the tree's own observer, so it
// ticks when the step's averaged gradient is in.
type progressObserver struct {
	bar *progressbar.ProgressBar
	out *termenv.Output
}

func newProgressObserver(steps int) *progressObserver {
	out := termenv.NewOutput(os.Stdout)
	out.HideCursor()
	bar := progressbar.NewOptions(steps,
		progressbar.OptionSetDescription("training"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionThrottle(65*time.Millisecond),
	)
	return &progressObserver{bar: bar, out: out}
}

func (p *progressObserver) BeforeStep() error { return nil }

func (p *progressObserver) AfterGradients() error {
	_ = p.bar.Add(1)
	return nil
}

func (p *progressObserver) finish() {
	_ = p.bar.Finish()
	p.out.ShowCursor()
	fmt.Println()
}
