package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/onkernel/pdocker/lib/logger"
)

const logPollInterval = 100 * time.Millisecond

// StreamLogs streams the container log at path. It replays the last tail
// lines (all of them when tail <= 0) and, with follow, keeps polling for new
// lines until ctx is done. It never touches the container process.
func (s *Supervisor) StreamLogs(ctx context.Context, path string, follow bool, tail int) (<-chan string, error) {
	log := logger.FromContext(ctx)
	log.DebugContext(ctx, "starting log stream", "path", path, "tail", tail, "follow", follow)

	f, err := os.Open(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && follow:
		f = nil
	case errors.Is(err, os.ErrNotExist):
		// Never started: nothing to show
		out := make(chan string)
		close(out)
		return out, nil
	default:
		return nil, fmt.Errorf("open log: %w", err)
	}

	out := make(chan string, 100)

	go func() {
		defer close(out)
		if f == nil {
			// Wait for the first launch to create the file
			f = waitForFile(ctx, path)
			if f == nil {
				return
			}
		}
		defer f.Close()

		reader := bufio.NewReader(f)
		history, partial, err := readLines(reader)
		if err != nil {
			log.ErrorContext(ctx, "read log", "path", path, "error", err)
			return
		}
		if tail > 0 && len(history) > tail {
			history = history[len(history)-tail:]
		}
		for _, line := range history {
			select {
			case <-ctx.Done():
				return
			case out <- line:
			}
		}
		if !follow {
			if partial != "" {
				select {
				case <-ctx.Done():
				case out <- partial:
				}
			}
			return
		}

		ticker := time.NewTicker(logPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.DebugContext(ctx, "log stream cancelled", "path", path)
				return
			case <-ticker.C:
			}

			for {
				chunk, err := reader.ReadString('\n')
				partial += chunk
				if err != nil {
					if !errors.Is(err, io.EOF) {
						log.ErrorContext(ctx, "read log", "path", path, "error", err)
						return
					}
					break
				}
				line := strings.TrimSuffix(partial, "\n")
				partial = ""
				select {
				case <-ctx.Done():
					return
				case out <- line:
				}
			}
		}
	}()

	return out, nil
}

// readLines reads every complete line, returning any trailing text that
// has no newline yet.
func readLines(r *bufio.Reader) ([]string, string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, line, nil
			}
			return nil, "", err
		}
		lines = append(lines, strings.TrimSuffix(line, "\n"))
	}
}

func waitForFile(ctx context.Context, path string) *os.File {
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	for {
		if f, err := os.Open(path); err == nil {
			return f
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
