package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ExitError reports that a mail binary exited with a non-zero status.
type ExitError struct {
	Path   string
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	s := fmt.Sprintf("%s failed: Status : %d", e.Path, e.Status)
	if e.Stderr != "" {
		s += ": " + e.Stderr
	}
	return s
}

// Pipe runs path with args and writes data to its standard input.
func Pipe(ctx context.Context, path string, args []string, data string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = strings.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("piping message", "path", path, "args", args, "bytes", len(data))

	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return &ExitError{Path: path, Status: ee.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return fmt.Errorf("transport: run %s: %w", path, err)
	}
	return nil
}
