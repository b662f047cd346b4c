package agent

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/basket/agentbridge/internal/config"
)

// agentArgs are the fixed arguments the agent binary is spawned with:
// the app-server subcommand speaking JSON-RPC over stdio.
var agentArgs = []string{"app-server", "--listen", "stdio://"}

// stopGrace is how long Stop waits after SIGTERM before force-killing.
const stopGrace = 2 * time.Second

// maxLineBytes bounds a single stdout line from the agent. Thread reads
// with full turn history can run long.
const maxLineBytes = 16 * 1024 * 1024

// State of the supervised process.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "absent"
	}
}

// Proc is one spawned child process, abstracted so tests can stand in a
// fake with pipes instead of a real OS process.
type Proc struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Signal func(sig os.Signal) error
	Kill   func() error
	Wait   func() error
}

// Spawner starts the agent binary. Injectable for tests.
type Spawner func(bin string, args []string, cwd string) (*Proc, error)

// Observer receives supervisor side effects. OnLine is called once per
// stdout line, in wire order, from a single goroutine. OnExit fires on
// every process exit, including spawn failures and explicit stops.
type Observer interface {
	OnLine(line []byte)
	OnStderr(line string)
	OnExit(err error)
}

type runningProc struct {
	proc *Proc
	done chan struct{}
}

// Supervisor owns the lifecycle of the one agent child process. At most
// one process is live at a time; concurrent EnsureStarted callers during
// startup share a single in-flight spawn.
type Supervisor struct {
	cfg      config.AgentConfig
	logger   *slog.Logger
	spawner  Spawner
	observer Observer

	mu       sync.Mutex
	state    State
	cur      *runningProc
	starting chan struct{}
	startErr error
}

func NewSupervisor(cfg config.AgentConfig, logger *slog.Logger, spawner Spawner) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if spawner == nil {
		spawner = ExecSpawner
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		spawner: spawner,
	}
}

// Subscribe sets the single observer. Must be called before the first
// EnsureStarted.
func (s *Supervisor) Subscribe(o Observer) {
	s.observer = o
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnsureStarted spawns the agent process if none is live. Idempotent:
// a running process is left alone, and callers arriving during a spawn
// wait for that spawn's outcome instead of starting a second process.
// Spawn failures are also delivered to the observer as an exit event.
func (s *Supervisor) EnsureStarted() error {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.mu.Unlock()
		return nil
	case StateStarting:
		ch := s.starting
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
		err := s.startErr
		s.mu.Unlock()
		return err
	}

	s.state = StateStarting
	ch := make(chan struct{})
	s.starting = ch
	s.mu.Unlock()

	s.logger.Info("starting agent process", "bin", s.cfg.Bin, "cwd", s.cfg.Cwd)
	proc, err := s.spawner(s.cfg.Bin, agentArgs, s.cfg.Cwd)

	s.mu.Lock()
	s.startErr = err
	if err != nil {
		s.state = StateAbsent
	} else {
		r := &runningProc{proc: proc, done: make(chan struct{})}
		s.cur = r
		s.state = StateRunning
		go s.readStdout(r)
		go s.readStderr(r)
		go s.waitExit(r)
	}
	close(ch)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("agent spawn failed", "bin", s.cfg.Bin, "error", err)
		if s.observer != nil {
			s.observer.OnExit(err)
		}
	}
	return err
}

// Send writes one newline-terminated line to the process's stdin after
// ensuring it is started. If no process could be started the write is
// silently dropped; callers detect the failure through their own
// timeouts, never through Send.
func (s *Supervisor) Send(line []byte) {
	if err := s.EnsureStarted(); err != nil {
		return
	}

	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := r.proc.Stdin.Write(buf); err != nil {
		s.logger.Warn("agent stdin write failed", "error", err)
	}
}

// Stop terminates the process gracefully: SIGTERM, a bounded grace
// window, then SIGKILL. Idempotent and safe with no process running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.state = StateAbsent
	s.mu.Unlock()
	if r == nil {
		return
	}

	if err := r.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("agent SIGTERM failed", "error", err)
	}
	select {
	case <-r.done:
		return
	case <-time.After(stopGrace):
	}
	if err := r.proc.Kill(); err != nil {
		s.logger.Debug("agent kill failed", "error", err)
	}
	<-r.done
}

func (s *Supervisor) readStdout(r *runningProc) {
	scanner := bufio.NewScanner(r.proc.Stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if s.observer != nil {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			s.observer.OnLine(line)
		}
	}
}

func (s *Supervisor) readStderr(r *runningProc) {
	scanner := bufio.NewScanner(r.proc.Stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if s.observer != nil {
			s.observer.OnStderr(scanner.Text())
		}
	}
}

func (s *Supervisor) waitExit(r *runningProc) {
	err := r.proc.Wait()
	close(r.done)

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
		s.state = StateExited
	}
	s.mu.Unlock()

	s.logger.Warn("agent process exited", "error", err)
	if s.observer != nil {
		s.observer.OnExit(err)
	}
}

// ExecSpawner is the production Spawner backed by os/exec.
func ExecSpawner(bin string, args []string, cwd string) (*Proc, error) {
	cmd := exec.Command(bin, args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &Proc{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Signal: func(sig os.Signal) error { return cmd.Process.Signal(sig) },
		Kill:   func() error { return cmd.Process.Kill() },
		Wait:   cmd.Wait,
	}, nil
}
