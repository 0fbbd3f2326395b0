// Package executor implements the Process Executor: it runs an Action's
// mapped command as a child process under tools/, capturing its stdout as
// a stream of ActionResponse lines.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Jagannathes/uplink/actions"
)

// processTimeout bounds how long a spawned command may run before the
// Executor kills it and reports failure.
const processTimeout = 10 * time.Second

// ErrBusy is returned by Execute when a previous process is still running.
var ErrBusy = errors.New("executor: previous process still running")

// Executor runs at most one external command at a time: a second Action
// arriving while one is in flight is rejected outright rather than queued,
// so a wedged tool can't silently pile up work.
type Executor struct {
	toolsDir string

	mu   sync.Mutex
	busy bool
}

// New returns an Executor that resolves commands under toolsDir (normally
// "tools/<command>").
func New(toolsDir string) *Executor {
	return &Executor{toolsDir: toolsDir}
}

// Execute spawns tools/<command> with id and payload as its arguments,
// streaming each line of stdout to onResponse as an ActionResponse. It
// blocks until the process exits, is killed for overrunning
// processTimeout, or ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, id, command, payload string, onResponse func(*actions.ActionResponse)) error {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return ErrBusy
	}
	e.busy = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, filepath.Join(e.toolsDir, command), id, payload)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "executor: stdout pipe")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "executor: start process")
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp actions.ActionResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.WithError(err).WithField("command", command).Warn("executor: unparseable process output line")
			onResponse(actions.Failure(id, err.Error()))
			continue
		}
		if resp.ID == "" {
			resp.ID = id
		}
		onResponse(&resp)
	}

	err = cmd.Wait()
	if runCtx.Err() == context.DeadlineExceeded {
		onResponse(actions.Failure(id, "process timed out"))
		return errors.New("executor: process timed out")
	}
	if err != nil {
		msg := err.Error()
		if stderr.Len() > 0 {
			msg = stderr.String()
		}
		onResponse(actions.Failure(id, msg))
		return errors.Wrap(err, "executor: process failed")
	}
	return nil
}

// Busy reports whether a process is currently running.
func (e *Executor) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}
