package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
)

// Context holds application-wide configuration and state
type Context struct {
	context.Context

	// Output preferences
	OutputFormat string
	Verbose      bool
	Quiet        bool
	NoColor      bool

	// Common timeouts
	DefaultTimeout time.Duration

	// Progress reporting
	ProgressCallback func(message string, percent int)

	// Diagnostics go to Stderr so command output stays pipeable
	Stdout io.Writer
	Stderr io.Writer
}

// NewContext creates a new application context
func NewContext() *Context {
	return &Context{
		Context:        context.Background(),
		DefaultTimeout: 30 * time.Second,
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}
}

// WithTimeout creates a context with timeout
func (c *Context) WithTimeout(timeout time.Duration) (*Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(c.Context, timeout)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// WithCancel creates a cancellable context
func (c *Context) WithCancel() (*Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.Context)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// SetProgress sets the progress callback function
func (c *Context) SetProgress(callback func(string, int)) {
	c.ProgressCallback = callback
}

// Progress reports progress if callback is set
func (c *Context) Progress(message string, percent int) {
	if c.ProgressCallback != nil {
		c.ProgressCallback(message, percent)
	}
}

// Report refreshes the elapsed time of p and forwards it to the progress callback
func (c *Context) Report(p *ProgressUpdate) {
	if c.ProgressCallback == nil {
		return
	}
	if !p.StartedAt.IsZero() {
		p.ElapsedTime = time.Since(p.StartedAt)
	}
	msg := fmt.Sprintf("%s (%d/%d)", p.Message, p.Completed, p.Total)
	if eta := p.ETA(); eta > 0 {
		msg += ", eta " + eta.Round(time.Millisecond).String()
	}
	c.Progress(msg, p.Percent())
}

// Log outputs a message based on verbosity settings
func (c *Context) Log(message string) {
	if !c.Quiet && c.Verbose {
		fmt.Fprintln(c.Stderr, message)
	}
}

// Error outputs an error message unless quiet
func (c *Context) Error(message string) {
	if c.Quiet {
		return
	}
	prefix := "Error:"
	if !c.NoColor {
		prefix = color.New(color.FgRed, color.Bold).Sprint(prefix)
	}
	fmt.Fprintln(c.Stderr, prefix, message)
}

// Highlight colours s unless colour output is disabled
func (c *Context) Highlight(s string, attrs ...color.Attribute) string {
	if c.NoColor {
		return s
	}
	return color.New(attrs...).Sprint(s)
}
