// Package progress draws a single-line progress bar for a sorting run.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// DefaultWidth is the bar width in cells.
const DefaultWidth = 40

var counterStyle = lipgloss.NewStyle().Faint(true)

// Bar redraws itself on out after every increment. It is safe for
// concurrent use.
type Bar struct {
	out   io.Writer
	model progress.Model

	mu    sync.Mutex
	total int
	done  int
}

// New returns a bar of the given width writing to out.
func New(out io.Writer, width int) *Bar {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Bar{
		out:   out,
		model: progress.New(progress.WithDefaultGradient(), progress.WithWidth(width)),
	}
}

// Start resets the bar for total items and draws it.
func (b *Bar) Start(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total = total
	b.done = 0
	b.render()
}

// Increment marks one more item as done.
func (b *Bar) Increment() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done < b.total {
		b.done++
	}
	b.render()
}

// Done terminates the progress line.
func (b *Bar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()

	fmt.Fprintln(b.out)
}

func (b *Bar) render() {
	percent := 1.0
	if b.total > 0 {
		percent = float64(b.done) / float64(b.total)
	}
	counter := counterStyle.Render(fmt.Sprintf("%d/%d", b.done, b.total))
	fmt.Fprintf(b.out, "\r%s %s", b.model.ViewAs(percent), counter)
}
