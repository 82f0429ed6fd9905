// Package xraycore supervises a local xray process.
package xraycore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"xray-control/internal/logger"
	"xray-control/internal/logstream"
)

var (
	ErrAlreadyStarted = errors.New("xray is already started")
	ErrNotStarted     = errors.New("xray is not started")

	versionPattern = regexp.MustCompile(`^Xray (\d+\.\d+\.\d+)`)
	startedPattern = regexp.MustCompile(`Xray \d+\.\d+\.\d+ started`)
)

const (
	startTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

// Runner starts the xray binary with a config fed over stdin and forwards
// its output into a log buffer.
type Runner struct {
	binary     string
	assetsPath string
	logs       *logstream.Buffer

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	version string
	config  []byte
}

func NewRunner(binary, assetsPath string, logs *logstream.Buffer) *Runner {
	if binary == "" {
		binary = "xray"
	}
	if logs == nil {
		logs = logstream.New(logstream.DefaultCapacity)
	}
	return &Runner{binary: binary, assetsPath: assetsPath, logs: logs}
}

func (r *Runner) Logs() *logstream.Buffer {
	return r.logs
}

// Version runs `xray version` once and caches the result.
func (r *Runner) Version(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.version != "" {
		v := r.version
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	out, err := exec.CommandContext(ctx, r.binary, "version").Output()
	if err != nil {
		return "", fmt.Errorf("xray version: %w", err)
	}
	m := versionPattern.FindSubmatch(bytes.TrimSpace(out))
	if m == nil {
		return "", fmt.Errorf("xray version: unexpected output %q", firstLine(out))
	}

	r.mu.Lock()
	r.version = string(m[1])
	r.mu.Unlock()
	return string(m[1]), nil
}

// ResetVersion forgets the cached version, e.g. after the binary was replaced.
func (r *Runner) ResetVersion() {
	r.mu.Lock()
	r.version = ""
	r.mu.Unlock()
}

func (r *Runner) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil
}

// Config returns the document the running process was started with.
func (r *Runner) Config() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.config)
}

// Start launches xray with config. It waits until the core reports it has
// started, exits, or a short grace period passes.
func (r *Runner) Start(ctx context.Context, config []byte) error {
	r.mu.Lock()
	if r.cmd != nil {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}

	cmd := exec.Command(r.binary, "run", "-config", "stdin:")
	cmd.Stdin = bytes.NewReader(config)
	writer := r.logs.Writer()
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.WaitDelay = stopTimeout
	if r.assetsPath != "" {
		cmd.Env = append(os.Environ(), "XRAY_LOCATION_ASSET="+r.assetsPath)
	}

	sub := r.logs.Subscribe(0)
	defer sub.Close()

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("start xray: %w", err)
	}
	done := make(chan struct{})
	r.cmd = cmd
	r.done = done
	r.config = bytes.Clone(config)
	r.mu.Unlock()

	go r.wait(cmd, done)

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()
	var lastLines []string
	for {
		select {
		case line, ok := <-sub.C:
			if !ok {
				return nil
			}
			if startedPattern.MatchString(line) {
				logger.Infof("xray core started (%s)", r.binary)
				return nil
			}
			lastLines = append(lastLines, line)
			if len(lastLines) > 5 {
				lastLines = lastLines[1:]
			}
		case <-done:
			for drained := false; !drained; {
				select {
				case line, ok := <-sub.C:
					if !ok {
						drained = true
						break
					}
					lastLines = append(lastLines, line)
				default:
					drained = true
				}
			}
			return fmt.Errorf("xray exited during startup: %s", strings.Join(lastLines, "; "))
		case <-timer.C:
			logger.Warningf("xray did not report startup within %s, assuming running", startTimeout)
			return nil
		case <-ctx.Done():
			_ = r.Stop()
			return ctx.Err()
		}
	}
}

func (r *Runner) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	if err != nil {
		logger.Warningf("xray core exited: %v", err)
	} else {
		logger.Info("xray core exited")
	}
	r.mu.Lock()
	if r.cmd == cmd {
		r.cmd = nil
		r.done = nil
	}
	r.mu.Unlock()
	close(done)
}

// Stop terminates the process, killing it if it does not exit in time.
// Stopping a stopped runner is a no-op.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cmd, done := r.cmd, r.done
	r.mu.Unlock()
	if cmd == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(stopTimeout):
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

// Restart stops a running process and starts a new one with config.
func (r *Runner) Restart(ctx context.Context, config []byte) error {
	if err := r.Stop(); err != nil {
		return err
	}
	return r.Start(ctx, config)
}

func firstLine(b []byte) string {
	line, _, _ := bytes.Cut(b, []byte("\n"))
	return string(line)
}
