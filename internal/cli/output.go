package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
)

// Printer writes status lines, colored when the writer is a terminal.
type Printer struct {
	w        io.Writer
	colorize bool
}

// NewPrinter returns a Printer for w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, colorize: isTerminal(w)}
}

func (p *Printer) line(symbol, color, message string) {
	if p.colorize {
		fmt.Fprintf(p.w, "%s%s%s %s\n", color, symbol, ColorReset, message)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", symbol, message)
}

// Success prints a success message
func (p *Printer) Success(message string) { p.line("✓", ColorGreen, message) }

// Error prints an error message
func (p *Printer) Error(message string) { p.line("✗", ColorRed, message) }

// Warning prints a warning message
func (p *Printer) Warning(message string) { p.line("⚠", ColorYellow, message) }

// Info prints an info message
func (p *Printer) Info(message string) { p.line("ℹ", ColorBlue, message) }

// Spinner shows progress while dwsctl polls the control plane.
type Spinner struct {
	frames   []string
	current  int
	prefix   string
	suffix   string
	mu       sync.Mutex
	printer  *Printer
	active   bool
	done     chan struct{}
	interval time.Duration
}

// NewSpinner creates a spinner writing through p.
func NewSpinner(p *Printer, prefix string) *Spinner {
	return &Spinner{
		frames:   []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		prefix:   prefix,
		printer:  p,
		done:     make(chan struct{}),
		interval: 100 * time.Millisecond,
	}
}

// SetSuffix sets the suffix text
func (s *Spinner) SetSuffix(suffix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suffix = suffix
}

// Start starts the spinner. It only animates on a terminal.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()
	if !s.printer.colorize {
		return
	}

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				if !s.active {
					s.mu.Unlock()
					return
				}
				s.render()
				s.current = (s.current + 1) % len(s.frames)
				s.mu.Unlock()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop stops the spinner
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.done)
	if s.printer.colorize {
		fmt.Fprint(s.printer.w, "\r"+strings.Repeat(" ", 80)+"\r")
	}
}

// Success stops the spinner and shows a success message
func (s *Spinner) Success(message string) {
	s.Stop()
	s.printer.Success(message)
}

// Error stops the spinner and shows an error message
func (s *Spinner) Error(message string) {
	s.Stop()
	s.printer.Error(message)
}

func (s *Spinner) render() {
	output := fmt.Sprintf("\r%s%s%s %s", ColorCyan, s.frames[s.current], ColorReset, s.prefix)
	if s.suffix != "" {
		output += " " + s.suffix
	}
	fmt.Fprint(s.printer.w, output)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// FormatDuration formats a duration for display
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
