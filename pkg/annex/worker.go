package annex

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/dandi/backups2datalad/pkg/dandilog"
)

// lineWorker is one long-lived `git-annex <subcommand> --batch` process.
// call() is serialized by mu: one request line in, one response line out.
type lineWorker struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	op     string
}

// startLineWorker launches a batch-mode git-annex subprocess rooted at
// dir. args is the subcommand and its batch flags, e.g.
// []string{"examinekey", "--batch"}.
func startLineWorker(ctx context.Context, dir, op string, args ...string) (*lineWorker, error) {
	cmd := exec.CommandContext(ctx, "git-annex", args...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdin for %s worker: %w", op, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout for %s worker: %w", op, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s worker: %w", op, err)
	}

	return &lineWorker{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReader(stdout),
		op:     op,
	}, nil
}

// call writes req followed by a newline and returns the worker's next
// response line, with the trailing newline stripped. Safe for concurrent
// callers; requests are serialized.
func (w *lineWorker) call(req string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintln(w.stdin, req); err != nil {
		return "", fmt.Errorf("%s worker: writing request: %w", w.op, err)
	}
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%s worker: reading response: %w", w.op, err)
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	return line, nil
}

// close closes stdin (signaling graceful shutdown) and waits for exit. If
// the process has not exited once stdin closes, the caller's context
// cancellation (which CommandContext wires to a kill) takes over.
func (w *lineWorker) close() error {
	log := dandilog.WithComponent("annex")
	if err := w.stdin.Close(); err != nil {
		log.Warn().Str("op", w.op).Err(err).Msg("closing worker stdin")
	}
	if err := w.cmd.Wait(); err != nil {
		log.Warn().Str("op", w.op).Err(err).Msg("worker exited with error")
		return err
	}
	return nil
}
