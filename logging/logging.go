// Package logging provides component-scoped loggers over a shared rotating
// writer, with Info/Debug/Warning/Error methods. Components built around a
// plain *log.Logger receive one through StdLogger.
package logging

import (
	"fmt"
	"io"
	"log"
)

// Component is a named logger writing through a shared destination.
type Component struct {
	name    string
	logger  *log.Logger
	verbose bool
}

// New wraps w with a *log.Logger prefixed "[component] ".
func New(component string, w io.Writer) *Component {
	return &Component{
		name:   component,
		logger: log.New(w, fmt.Sprintf("[%s] ", component), log.LstdFlags),
	}
}

// SetVerbose gates Debug output. Off by default.
func (c *Component) SetVerbose(v bool) { c.verbose = v }

func (c *Component) Info(format string, args ...any) {
	c.logger.Printf("INFO "+format, args...)
}

func (c *Component) Debug(format string, args ...any) {
	if !c.verbose {
		return
	}
	c.logger.Printf("DEBUG "+format, args...)
}

func (c *Component) Warning(format string, args ...any) {
	c.logger.Printf("WARN "+format, args...)
}

func (c *Component) Error(format string, args ...any) {
	c.logger.Printf("ERROR "+format, args...)
}

// StdLogger exposes the underlying *log.Logger for packages (canlink,
// printerlink) whose constructors were grounded on the teacher's plain
// *log.Logger parameter rather than this package's Component wrapper.
func (c *Component) StdLogger() *log.Logger { return c.logger }
