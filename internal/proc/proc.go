// Package proc runs external tools with line-oriented output capture.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTailLines is how many trailing output lines a Result keeps.
const DefaultTailLines = 20

// Spec describes one subprocess invocation.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// LogPath receives the command line followed by combined stdout/stderr.
	LogPath string
	// OnLine is called for every output line, in order.
	OnLine    func(line string)
	TailLines int
}

// Result describes a finished subprocess.
type Result struct {
	ExitCode int
	Duration time.Duration
	Tail     []string
	LogPath  string
}

// ExitError reports a non-zero exit together with the end of the output.
type ExitError struct {
	Command  string
	ExitCode int
	Tail     []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if len(e.Tail) > 0 {
		msg += ":\n" + strings.Join(e.Tail, "\n")
	}
	return msg
}

// CommandLine renders path and args for logs.
func (s Spec) CommandLine() string {
	return strings.TrimSpace(s.Path + " " + strings.Join(s.Args, " "))
}

// Run executes the spec and blocks until it exits or ctx is cancelled.
// Cancellation kills the whole process group.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return Result{}, fmt.Errorf("proc: executable is required")
	}
	tailSize := spec.TailLines
	if tailSize <= 0 {
		tailSize = DefaultTailLines
	}

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return Result{}, fmt.Errorf("proc: create log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return Result{}, fmt.Errorf("proc: open log: %w", err)
		}
		defer f.Close()
		logFile = f
		fmt.Fprintf(logFile, "$ %s\n\n", spec.CommandLine())
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var (
		wg   sync.WaitGroup
		tail []string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if logFile != nil {
				fmt.Fprintln(logFile, line)
			}
			tail = append(tail, line)
			if len(tail) > tailSize {
				tail = tail[1:]
			}
			if spec.OnLine != nil {
				spec.OnLine(line)
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		pw.Close()
		wg.Wait()
		return Result{}, fmt.Errorf("proc: start %s: %w", spec.Path, err)
	}
	err = cmd.Wait()
	pw.Close()
	wg.Wait()

	result := Result{Duration: time.Since(start), Tail: tail, LogPath: spec.LogPath}
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("proc: %s: %w", spec.Path, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &ExitError{Command: filepath.Base(spec.Path), ExitCode: result.ExitCode, Tail: tail}
	}
	return result, fmt.Errorf("proc: %s: %w", spec.Path, err)
}
