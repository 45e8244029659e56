package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/auxothq/toolhost/pkg/logutil"
	"github.com/auxothq/toolhost/pkg/protocol"
)

// ProcessSpawner starts each worker as a child process that speaks
// newline-delimited JSON envelopes on stdin/stdout.
type ProcessSpawner struct {
	// Path is the executable to run. Empty means the current binary.
	Path string
	// Args defaults to ["worker"].
	Args []string
	// Env is appended to the host environment.
	Env    []string
	Logger *slog.Logger
}

// Mode implements Spawner.
func (s *ProcessSpawner) Mode() string { return ModeProcess }

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context) (Worker, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker executable: %w", err)
		}
		path = exe
	}
	args := s.Args
	if args == nil {
		args = []string{"worker"}
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	p := &processWorker{
		cmd:    cmd,
		stdin:  stdin,
		writer: protocol.NewLineWriter(stdin),
		out:    make(chan protocol.Envelope, 64),
		stop:   make(chan struct{}),
		logger: logger.With("component", "process_worker", "pid", cmd.Process.Pid),
	}
	p.logger.Debug("worker process started", "path", path)

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		p.drainStderr(stderr)
	}()
	go p.readLoop(stdout, &stderrDone)

	return p, nil
}

type processWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *protocol.LineWriter
	out    chan protocol.Envelope
	stop   chan struct{} // closed by Terminate
	logger *slog.Logger

	mu         sync.Mutex
	err        error
	terminated bool
	exited     bool
}

func (p *processWorker) Post(env protocol.Envelope) error {
	p.mu.Lock()
	gone := p.terminated || p.exited
	p.mu.Unlock()
	if gone {
		return ErrTerminated
	}
	return p.writer.Write(env)
}

func (p *processWorker) Messages() <-chan protocol.Envelope { return p.out }

func (p *processWorker) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Terminate kills the child process if it is still running.
func (p *processWorker) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	exited := p.exited
	p.mu.Unlock()

	close(p.stop)
	p.stdin.Close()
	if !exited {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("killing worker process", "error", err)
		}
	}
}

// readLoop forwards stdout envelopes until EOF, then reaps the process.
func (p *processWorker) readLoop(stdout io.Reader, stderrDone *sync.WaitGroup) {
	p.forward(stdout)

	stderrDone.Wait()
	waitErr := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	if !p.terminated && waitErr != nil {
		p.err = waitErr
	}
	p.mu.Unlock()

	exitCode := -1
	if p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.logger.Debug("worker process exited", "exit_code", exitCode)
	close(p.out)
}

// forward copies envelopes from stdout to p.out. It returns once stdout is
// exhausted, even when a line could not be read.
func (p *processWorker) forward(stdout io.Reader) {
	r := protocol.NewLineReader(stdout)
	for {
		env, err := r.Read()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				p.logger.Warn("skipping malformed worker output", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("reading worker output", "error", err)
				// The child may still be writing; keep the pipe drained so it can exit.
				_, _ = io.Copy(io.Discard, stdout)
			}
			return
		}
		select {
		case p.out <- env:
		case <-p.stop:
			// Nobody is listening any more; keep draining until EOF.
		}
	}
}

func (p *processWorker) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		logutil.ReemitLine(p.logger, sc.Bytes())
	}
	// An oversized line stops the scanner; keep the pipe drained.
	_, _ = io.Copy(io.Discard, r)
}
