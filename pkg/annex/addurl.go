package annex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/metrics"
)

// AddURLJob is one (url, path) pair submitted to the addurl worker.
type AddURLJob struct {
	URL  string
	Path string
}

// AddURLResult is one completion record the addurl worker reports back.
type AddURLResult struct {
	Path     string
	Key      string
	Success  bool
	ExitCode int
	Err      error
}

type addURLRecord struct {
	File         string `json:"file"`
	Key          string `json:"key"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error-messages,omitempty"`
}

// addURLWorker is the single long-lived `git-annex addurl --batch --json`
// process for one repository. Downloads are pushed through run()'s input
// channel only as fast as the worker accepts lines on stdin — the
// zero-capacity rendezvous channel spec.md §5 requires is the caller's
// jobs channel itself, which this worker never buffers ahead of.
type addURLWorker struct {
	cmd       *exec.Cmd
	stdinPipe io.WriteCloser
	stdin     *bufioWriter
	stdout    *bufio.Scanner
	jobs      int

	mu      sync.Mutex
	pending map[string]chan AddURLResult
}

// bufioWriter is a tiny adapter so addURLWorker can hold a concrete
// buffered writer without importing io.Writer boilerplate at call sites.
type bufioWriter struct {
	w *bufio.Writer
}

func startAddURLWorker(ctx context.Context, dir string, jobs int) (*addURLWorker, error) {
	if jobs <= 0 {
		jobs = 1
	}
	cmd := exec.CommandContext(ctx, "git-annex", "addurl", "--batch", "--json", "--with-files",
		"--jobs", fmt.Sprintf("%d", jobs))
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdin for addurl worker: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout for addurl worker: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting addurl worker: %w", err)
	}

	w := &addURLWorker{
		cmd:       cmd,
		stdinPipe: stdin,
		stdin:     &bufioWriter{w: bufio.NewWriter(stdin)},
		stdout:    bufio.NewScanner(stdout),
		jobs:      jobs,
		pending:   make(map[string]chan AddURLResult),
	}
	w.stdout.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	go w.consume()

	return w, nil
}

// consume is the single long-lived parser task reading the worker's
// stdout; it runs for the worker's entire lifetime, not per-call.
func (w *addURLWorker) consume() {
	log := dandilog.WithComponent("annex.addurl")
	for w.stdout.Scan() {
		var rec addURLRecord
		if err := json.Unmarshal(w.stdout.Bytes(), &rec); err != nil {
			log.Warn().Str("line", w.stdout.Text()).Err(err).Msg("unparseable addurl record")
			continue
		}
		w.mu.Lock()
		ch, ok := w.pending[rec.File]
		if ok {
			delete(w.pending, rec.File)
		}
		w.mu.Unlock()
		if !ok {
			continue
		}
		ch <- addURLRecordToResult(rec)
		close(ch)
	}
}

// addURLRecordToResult converts one parsed JSON record from git-annex
// addurl's batch protocol into the result shape callers see.
func addURLRecordToResult(rec addURLRecord) AddURLResult {
	result := AddURLResult{Path: rec.File, Key: rec.Key, Success: rec.Success}
	if !rec.Success {
		result.Err = fmt.Errorf("addurl failed for %s: %s", rec.File, rec.ErrorMessage)
	}
	return result
}

// run feeds jobs to the worker one at a time (the producer task) and
// returns a channel of completion records (the consumer's demuxed
// output). Both the producer loop and the returned channel close when
// jobs closes or ctx is cancelled.
func (w *addURLWorker) run(ctx context.Context, jobs <-chan AddURLJob) <-chan AddURLResult {
	out := make(chan AddURLResult)
	go func() {
		defer close(out)
		for {
			select {
			case job, ok := <-jobs:
				if !ok {
					return
				}
				resultCh := make(chan AddURLResult, 1)
				w.mu.Lock()
				w.pending[job.Path] = resultCh
				w.mu.Unlock()

				timer := metrics.NewTimer()
				if _, err := fmt.Fprintf(w.stdin.w, "%s %s\n", job.URL, job.Path); err != nil {
					out <- AddURLResult{Path: job.Path, Err: fmt.Errorf("writing addurl job: %w", err)}
					continue
				}
				if err := w.stdin.w.Flush(); err != nil {
					out <- AddURLResult{Path: job.Path, Err: fmt.Errorf("flushing addurl job: %w", err)}
					continue
				}

				select {
				case res := <-resultCh:
					timer.ObserveDurationVec(metrics.AnnexBatchCallDuration, "addurl")
					out <- res
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (w *addURLWorker) close() error {
	log := dandilog.WithComponent("annex.addurl")
	if err := w.stdinPipe.Close(); err != nil {
		log.Warn().Err(err).Msg("closing addurl worker stdin")
	}
	return w.cmd.Wait()
}
