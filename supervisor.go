package fxmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	debounceDelay         = 500 * time.Millisecond
	graceTimeout          = 5 * time.Second
	crashLoopThreshold    = 5
	crashLoopWindow       = 1 * time.Minute
	defaultRestartBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second

	// GenerationEnv carries the generation token the child must stamp on its trace events.
	GenerationEnv = "FXMONITOR_GENERATION"
)

var ErrCrashLoop = errors.New("too many child crashes in short window")

type childProc struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	token   string
	started time.Time
	exited  chan struct{}
	err     error
}

// Supervisor runs the child command, restarts it on request and feeds its
// trace pipe (fd 3) to the router under a fresh generation token per spawn.
type Supervisor struct {
	cfg      ChildConfig
	router   *EventRouter
	childLog io.Writer
	log      *slog.Logger
	newToken func() string

	restartEvent chan string

	cmdLock sync.Mutex
	current *childProc

	backoff        time.Duration
	crashTimes     []time.Time
	crashTimesLock sync.Mutex
}

func NewSupervisor(cfg ChildConfig, router *EventRouter, childLog io.Writer, logger *slog.Logger) *Supervisor {
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = Duration(graceTimeout)
	}
	if cfg.CrashLoopThreshold <= 0 {
		cfg.CrashLoopThreshold = crashLoopThreshold
	}
	if cfg.CrashLoopWindow <= 0 {
		cfg.CrashLoopWindow = Duration(crashLoopWindow)
	}
	if childLog == nil {
		childLog = io.Discard
	}
	return &Supervisor{
		cfg:          cfg,
		router:       router,
		childLog:     childLog,
		log:          componentLogger(logger, "supervisor"),
		newToken:     uuid.NewString,
		restartEvent: make(chan string, 1),
		backoff:      defaultRestartBackoff,
	}
}

// Run spawns and monitors the child until ctx is done. It returns an error when
// the child cannot be started or keeps crashing.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Command == "" {
		return errors.New("no child command specified")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		// Requests queued while no child was running are already satisfied by this spawn.
		select {
		case <-s.restartEvent:
		default:
		}
		child, err := s.startChild(ctx)
		if err != nil {
			return fmt.Errorf("failed to start child process: %w", err)
		}
		select {
		case reason := <-s.restartEvent:
			s.log.Info("Restarting child", slog.String("reason", reason))
			restartCounter.WithLabelValues("requested").Inc()
			s.killChild()
			s.resetBackoff()
			if !s.sleep(ctx, s.restartDelay()) {
				return nil
			}
		case <-child.exited:
			s.cmdLock.Lock()
			s.current = nil
			s.cmdLock.Unlock()
			if child.err != nil {
				s.log.Error("Child exited with error", slog.String("err", child.err.Error()))
				crashCounter.Inc()
				if !s.recordCrashAndCheckLoop() {
					s.log.Error("Too many child crashes in short window; giving up")
					return ErrCrashLoop
				}
				restartCounter.WithLabelValues("crash").Inc()
			} else {
				s.log.Info("Child exited cleanly")
				restartCounter.WithLabelValues("exit").Inc()
			}
			if time.Since(child.started) > s.cfg.CrashLoopWindow.Std() {
				s.resetBackoff()
			}
			if !s.backoffAndSleep(ctx) {
				return nil
			}
		case <-ctx.Done():
			s.killChild()
			return nil
		}
	}
}

func (s *Supervisor) startChild(ctx context.Context) (*childProc, error) {
	s.cmdLock.Lock()
	defer s.cmdLock.Unlock()

	traceR, traceW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("trace pipe: %w", err)
	}
	token := s.newToken()
	cmd := exec.Command("/bin/sh", "-c", s.cfg.Command)
	cmd.Env = append(os.Environ(), GenerationEnv+"="+token)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Stdout = s.childLog
	cmd.Stderr = s.childLog
	cmd.ExtraFiles = []*os.File{traceW}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		traceR.Close()
		traceW.Close()
		return nil, err
	}

	// Activate the token before the child can emit anything.
	s.router.SetGeneration(token)
	if err := cmd.Start(); err != nil {
		traceR.Close()
		traceW.Close()
		return nil, err
	}
	traceW.Close()

	child := &childProc{cmd: cmd, stdin: stdin, token: token, started: time.Now(), exited: make(chan struct{})}
	go func() {
		defer traceR.Close()
		if err := s.router.Consume(ctx, traceR); err != nil {
			s.log.Warn("Trace stream ended with error", slog.String("err", err.Error()))
		}
		// The child may still write; keep the pipe open until it exits.
		_, _ = io.Copy(io.Discard, traceR)
	}()
	go func() {
		child.err = cmd.Wait()
		close(child.exited)
	}()
	s.current = child
	s.log.Info("Spawned child process", slog.Int("pid", cmd.Process.Pid), slog.String("generation", token))
	return child, nil
}

func (s *Supervisor) killChild() {
	s.cmdLock.Lock()
	defer s.cmdLock.Unlock()
	child := s.current
	if child == nil || child.cmd.Process == nil {
		return
	}
	pid := child.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-child.exited:
		s.log.Info("Child terminated gracefully")
	case <-time.After(s.cfg.GraceTimeout.Std()):
		s.log.Warn("Child did not exit in time; sending SIGKILL")
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-child.exited
	}
	s.current = nil
}

// TriggerRestart queues a restart of the child. Requests arriving while one is
// already pending are merged.
func (s *Supervisor) TriggerRestart(internalReason, userReason string) {
	if !s.running() {
		s.log.Info("Restart requested while the child is down; it will be respawned anyway",
			slog.String("reason", internalReason))
		return
	}
	s.log.Info("Restart requested", slog.String("reason", internalReason), slog.String("message", userReason))
	s.sendCommand(childCommand{Type: "restarting", Message: userReason})
	select {
	case s.restartEvent <- internalReason:
	default:
	}
}

func (s *Supervisor) running() bool {
	s.cmdLock.Lock()
	defer s.cmdLock.Unlock()
	return s.current != nil
}

// Announce relays a restart countdown to the child's console.
func (s *Supervisor) Announce(minutes int, message string) {
	s.sendCommand(childCommand{Type: "announce", Minutes: minutes, Message: message})
}

type childCommand struct {
	Type    string `json:"type"`
	Minutes int    `json:"minutes,omitempty"`
	Message string `json:"message"`
}

func (s *Supervisor) sendCommand(c childCommand) {
	s.cmdLock.Lock()
	defer s.cmdLock.Unlock()
	if s.current == nil {
		return
	}
	line, err := json.Marshal(c)
	if err != nil {
		return
	}
	if _, err := s.current.stdin.Write(append(line, '\n')); err != nil {
		s.log.Warn("Failed to write to child stdin", slog.String("err", err.Error()))
	}
}

func (s *Supervisor) restartDelay() time.Duration {
	if d := s.router.RestartDelayOverride(); d > defaultRestartBackoff {
		return d
	}
	return defaultRestartBackoff
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	s.log.Info("Waiting before restart", slog.Duration("duration", d))
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) resetBackoff() {
	s.backoff = defaultRestartBackoff
}

func (s *Supervisor) backoffAndSleep(ctx context.Context) bool {
	d := s.backoff
	if s.backoff < defaultMaxBackoff {
		s.backoff *= 2
	}
	if override := s.router.RestartDelayOverride(); override > d {
		d = override
	}
	return s.sleep(ctx, d)
}

func (s *Supervisor) recordCrashAndCheckLoop() bool {
	s.crashTimesLock.Lock()
	defer s.crashTimesLock.Unlock()
	now := time.Now()
	windowStart := now.Add(-s.cfg.CrashLoopWindow.Std())
	newList := s.crashTimes[:0]
	for _, t := range s.crashTimes {
		if t.After(windowStart) {
			newList = append(newList, t)
		}
	}
	s.crashTimes = append(newList, now)
	return len(s.crashTimes) <= s.cfg.CrashLoopThreshold
}
