package generator

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/weir/internal/frame"
	"github.com/mattjoyce/weir/internal/log"
	"github.com/mattjoyce/weir/internal/store"
)

// Supervisor owns one generator's process across its full lifetime,
// including restarts. It is the only component that emits start, stop and
// spawn.error frames, and the sole owner of the OS process handle.
type Supervisor struct {
	gen       *Generator
	log       Log
	policy    RestartPolicy
	stopGrace time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(gen *Generator, logStore Log, policy RestartPolicy, stopGrace time.Duration) *Supervisor {
	return &Supervisor{
		gen:       gen,
		log:       logStore,
		policy:    policy,
		stopGrace: stopGrace,
		logger:    log.WithComponent("supervisor").With("topic", gen.Topic),
		done:      make(chan struct{}),
	}
}

// Start launches the supervisory task. The task runs until Stop is called
// or parent is cancelled.
func (s *Supervisor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	go s.run(ctx)
}

// Stop requests teardown and blocks until the process is gone or ctx
// expires. It suppresses any pending restart, including one whose backoff
// delay is in flight.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generator returns the supervised generator.
func (s *Supervisor) Generator() *Generator { return s.gen }

// Alive reports whether the supervisory task is still running. A generator
// waiting out its restart backoff is alive even though its process is not.
func (s *Supervisor) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// run is the restart loop: spawn, wait for exit, consult the policy, sleep,
// spawn again. Cancellation is checked before every respawn.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.gen.setState(StateStopped)

	for {
		uptime := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		count := s.policy.NextCount(uptime, s.gen.RestartCount())
		s.gen.setRestartCount(count)
		delay := s.policy.Delay(count)
		s.logger.Info("generator will restart", "delay", delay, "restart_count", count)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce performs a single spawn attempt and returns how long the process
// ran (zero when it never started).
func (s *Supervisor) runOnce(ctx context.Context) time.Duration {
	s.gen.setState(StateSpawning)
	sourceID := uuid.NewString()
	s.gen.setSourceID(sourceID)
	logger := s.logger.With("source_id", sourceID)

	cmd := exec.Command("sh", "-c", s.gen.Command)
	// Own process group so termination reaches every process in the
	// pipeline, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.appendSpawnError(sourceID, err)
		return 0
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.appendSpawnError(sourceID, err)
		return 0
	}
	var stdin io.WriteCloser
	if s.gen.Duplex {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			s.appendSpawnError(sourceID, err)
			return 0
		}
	}

	if err := cmd.Start(); err != nil {
		s.appendSpawnError(sourceID, err)
		return 0
	}
	started := time.Now()

	// runCtx covers this spawn only; it ends when the process exits so the
	// duplex router never outlives the source_id it serves. The send
	// subscription is registered before the start frame is appended: anyone
	// who observes start and then appends a send is guaranteed delivery.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if s.gen.Duplex {
		sendCh := s.log.Follow(runCtx, store.FollowOptions{
			Topic: s.gen.Topic + frame.SuffixSend,
			Tail:  true,
		})
		go s.runDuplex(sendCh, stdin, logger)
	}

	// Lifecycle and recv frames append with a background context: during a
	// graceful stop, output already read must still flush into the log.
	if _, err := s.log.Append(context.Background(), s.gen.Topic+frame.SuffixStart, nil, map[string]any{
		frame.MetaSourceID: sourceID,
	}); err != nil {
		logger.Error("append start frame failed", "error", err)
	}
	s.gen.setState(StateRunning)
	logger.Info("generator started", "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		err := frameLines(stdout, func(line []byte) error {
			_, appendErr := s.log.Append(context.Background(), s.gen.Topic+frame.SuffixRecv, line, map[string]any{
				frame.MetaSourceID: sourceID,
			})
			return appendErr
		}, logger)
		if err != nil {
			logger.Warn("output framing ended", "error", err)
		}
	}()
	go func() {
		defer readers.Done()
		drainStderr(stderr, logger)
	}()

	// Watch for teardown requests while the process runs.
	waited := make(chan struct{})
	go s.watchTermination(ctx, cmd, stdin, waited, logger)

	readers.Wait()
	exitErr := cmd.Wait()
	close(waited)
	cancelRun()

	s.observeExit(sourceID, exitErr, logger)
	return time.Since(started)
}

// observeExit records the process termination as a stop frame. Restart is
// decided by the caller.
func (s *Supervisor) observeExit(sourceID string, exitErr error, logger *slog.Logger) {
	s.gen.setState(StateStopped)
	if exitErr != nil {
		logger.Info("generator exited", "error", exitErr)
	} else {
		logger.Info("generator exited cleanly")
	}
	if _, err := s.log.Append(context.Background(), s.gen.Topic+frame.SuffixStop, nil, map[string]any{
		frame.MetaSourceID: sourceID,
	}); err != nil {
		logger.Error("append stop frame failed", "error", err)
	}
}

func (s *Supervisor) appendSpawnError(sourceID string, spawnErr error) {
	s.gen.setState(StateStopped)
	s.logger.Warn("generator spawn failed", "source_id", sourceID, "error", spawnErr)
	if _, err := s.log.Append(context.Background(), s.gen.Topic+frame.SuffixSpawnError, nil, map[string]any{
		frame.MetaSourceID: sourceID,
		frame.MetaReason:   spawnErr.Error(),
	}); err != nil {
		s.logger.Error("append spawn.error frame failed", "error", err)
	}
}

// watchTermination performs graceful shutdown when ctx is cancelled while
// the process is still running: close stdin, SIGTERM the process group,
// SIGKILL after the grace period.
func (s *Supervisor) watchTermination(ctx context.Context, cmd *exec.Cmd, stdin io.Closer, waited <-chan struct{}, logger *slog.Logger) {
	select {
	case <-waited:
		return
	case <-ctx.Done():
	}

	s.gen.setState(StateStopping)
	logger.Info("terminating generator")

	if stdin != nil {
		_ = stdin.Close()
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM failed", "error", err)
	}

	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()
	select {
	case <-waited:
	case <-grace.C:
		logger.Warn("grace period expired, killing process group")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			logger.Debug("SIGKILL failed", "error", err)
		}
		<-waited
	}
}

func drainStderr(r io.Reader, logger *slog.Logger) {
	err := frameLines(r, func(line []byte) error {
		if len(line) > 0 {
			logger.Debug("generator stderr", "line", string(line))
		}
		return nil
	}, logger)
	if err != nil {
		logger.Debug("stderr drain ended", "error", err)
	}
}
