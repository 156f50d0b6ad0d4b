package logging

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
)

const RunDirectoryPrefix = "conformrun-" // Standardized prefix for run directories

// NewRunDir creates the directory that holds every artifact of one run
func NewRunDir(baseDir, runID string) (string, error) {
	if runID == "" {
		return "", errors.New("runID cannot be empty")
	}
	dir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory %s: %w", dir, err)
	}
	return dir, nil
}

// OutputCapture records one output stream of a child process. Every line is
// written to a log file in the run directory, emitted on the structured
// logger, and kept in a bounded tail for the final report.
type OutputCapture struct {
	name string
	log  log.Logger
	file *AsyncFile
	tail *TailBuffer

	mu     sync.Mutex
	lines  int
	closed bool
}

// NewOutputCapture creates a capture named name (e.g. "server.stdout").
// When dir is empty, lines are only logged and kept in the tail.
func NewOutputCapture(dir, name string, logger log.Logger) (*OutputCapture, error) {
	c := &OutputCapture{
		name: name,
		log:  logger.New("output", name),
		tail: NewTailBuffer(DefaultTailBytes),
	}
	if dir != "" {
		file, err := NewAsyncFile(filepath.Join(dir, name+".log"))
		if err != nil {
			return nil, err
		}
		c.file = file
	}
	return c, nil
}

// Pump copies r line by line into the capture until EOF.
// Long lines are never split and a missing trailing newline is tolerated.
func (c *OutputCapture) Pump(r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			c.WriteLine(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", c.name, err)
		}
	}
}

// WriteLine records a single line
func (c *OutputCapture) WriteLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.lines++
	_, _ = c.tail.Write([]byte(line + "\n"))
	if c.file != nil {
		_, _ = c.file.Write([]byte(line + "\n"))
	}
	c.log.Debug(stripansi.Strip(line))
}

// Lines returns the number of lines captured so far
func (c *OutputCapture) Lines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines
}

// Tail returns the most recent output, ANSI codes removed
func (c *OutputCapture) Tail() string {
	return stripansi.Strip(c.tail.String())
}

// Path returns the log file path, or "" when not writing to disk
func (c *OutputCapture) Path() string {
	if c.file == nil {
		return ""
	}
	return c.file.Name()
}

// Close flushes and closes the log file
func (c *OutputCapture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.file != nil {
		return c.file.Close()
	}
	return nil
}
