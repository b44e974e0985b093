package caphub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// stdioStopGrace is how long Close waits for the child to exit after SIGTERM
// before escalating to SIGKILL. Teardown is synchronous so rapid reconnect
// cycles cannot accumulate zombie processes.
const stdioStopGrace = 5 * time.Second

// stdioTransport runs the server as a child process. The child's stdout is
// the inbound frame source, one frame per line; stdin is the outbound sink.
// Stderr is diagnostic only and is drained to the logger, never parsed as
// protocol data.
type stdioTransport struct {
	desc   ServerDescriptor
	logger *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	waitErr chan error

	writeMu   sync.Mutex
	dropped   atomic.Int64
	closeOnce sync.Once
}

func newStdioTransport(desc ServerDescriptor, logger *slog.Logger) *stdioTransport {
	return &stdioTransport{
		desc:    desc,
		logger:  logger,
		waitErr: make(chan error, 1),
	}
}

func (t *stdioTransport) Connect(_ context.Context) (iter.Seq[Frame], error) {
	cmd := exec.Command(t.desc.Command, t.desc.Args...)
	cmd.Env = mergedEnv(t.desc.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", t.desc.Command, err)
	}

	// Published under the write lock so a concurrent Close either sees no
	// child yet and leaves closeOnce unconsumed, or sees the full handle.
	t.writeMu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.writeMu.Unlock()

	go t.drainStderr(stderr)
	go func() {
		t.waitErr <- cmd.Wait()
	}()

	return t.readFrames(stdout), nil
}

func (t *stdioTransport) readFrames(stdout io.Reader) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		// bufio.Reader instead of bufio.Scanner to avoid max token size errors
		// on large frames.
		reader := bufio.NewReader(stdout)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					t.logger.Error("failed to read from server stdout", "err", err)
				}
				return
			}

			line = strings.TrimSuffix(line, "\n")
			if line == "" {
				continue
			}

			frame, ok := decodeFrame([]byte(line), t.logger, &t.dropped)
			if !ok {
				continue
			}
			if !yield(frame) {
				return
			}
		}
	}
}

func (t *stdioTransport) Send(ctx context.Context, frame Frame) error {
	msgBs, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	msgBs = append(msgBs, '\n')

	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(msgBs); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (t *stdioTransport) Close() error {
	t.writeMu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.writeMu.Unlock()

	// Close before Connect has nothing to release, and must not consume
	// closeOnce: the stop sequence still has to run once the child exists.
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	var err error
	t.closeOnce.Do(func() {
		if stdin != nil {
			_ = stdin.Close()
		}
		if sErr := cmd.Process.Signal(syscall.SIGTERM); sErr != nil {
			// Already exited; reap and return.
			<-t.waitErr
			return
		}

		select {
		case <-t.waitErr:
		case <-time.After(stdioStopGrace):
			t.logger.Warn("server process did not exit, killing", "command", t.desc.Command)
			_ = cmd.Process.Kill()
			err = <-t.waitErr
		}
	})
	return err
}

func (t *stdioTransport) DroppedFrames() int64 {
	return t.dropped.Load()
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "server", t.desc.Name, "line", scanner.Text())
	}
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
