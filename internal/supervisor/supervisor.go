// Package supervisor launches and stops the agent process bound to each
// call session. Agents run as separate OS processes with an explicit
// argument vector; no shell is involved.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/logging"
)

// Supervisor is the process lifecycle surface the orchestrator depends on.
type Supervisor interface {
	Launch(ctx context.Context, spec LaunchSpec) (domain.AgentProcessHandle, error)
	Alive(sessionID string) bool
	Terminate(ctx context.Context, sessionID string) error
	Audio(sessionID string) (domain.AudioChannel, bool)
	Exits() <-chan Exit
}

// LaunchSpec describes one agent launch.
type LaunchSpec struct {
	SessionID string
	BotType   string
	Script    string
	Binding   domain.Binding
	// Config is the opaque agent configuration, passed as a single argument.
	Config json.RawMessage
}

// Exit reports that an agent process is gone.
type Exit struct {
	SessionID string
	PID       int
	ExitCode  int
	Err       error
	// Terminated is set when the exit followed a Terminate call.
	Terminated bool
	At         time.Time
}

type stopStep int

const (
	stepInterrupt stopStep = iota
	stepTerminate
	stepKill
)

// killWait bounds the wait for a process to disappear after SIGKILL.
const killWait = 5 * time.Second

type process struct {
	mu          sync.Mutex
	handle      domain.AgentProcessHandle
	cmd         *exec.Cmd
	audio       *pipeChannel
	done        chan struct{}
	terminating bool
}

// ProcessSupervisor runs agents as child processes.
type ProcessSupervisor struct {
	command   string
	stopGrace time.Duration
	log       *logging.Logger

	mu    sync.Mutex
	procs map[string]*process
	exits chan Exit
	now   func() time.Time
}

var _ Supervisor = (*ProcessSupervisor)(nil)

// New creates a supervisor that runs scripts with cfg.Command.
func New(cfg config.AgentConfig, log *logging.Logger) *ProcessSupervisor {
	return &ProcessSupervisor{
		command:   cfg.Command,
		stopGrace: cfg.StopGrace,
		log:       log.Sub("supervisor"),
		procs:     make(map[string]*process),
		exits:     make(chan Exit, 256),
		now:       time.Now,
	}
}

// Launch starts the agent for spec.SessionID and returns without waiting for
// it. A second launch for a session whose agent is still alive is rejected.
func (s *ProcessSupervisor) Launch(ctx context.Context, spec LaunchSpec) (domain.AgentProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.AgentProcessHandle{}, domain.NewError(domain.KindLaunch, "supervisor.launch", err).WithSession(spec.SessionID, "launch")
	}
	if spec.SessionID == "" {
		return domain.AgentProcessHandle{}, domain.Validationf("launch requires a session id")
	}

	script, err := filepath.Abs(spec.Script)
	if err != nil {
		return domain.AgentProcessHandle{}, s.launchErr(spec, err)
	}
	if info, err := os.Stat(script); err != nil {
		return domain.AgentProcessHandle{}, s.launchErr(spec, fmt.Errorf("agent script: %w", err))
	} else if info.IsDir() {
		return domain.AgentProcessHandle{}, s.launchErr(spec, fmt.Errorf("agent script %s is a directory", script))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[spec.SessionID]; ok && p.alive() {
		return domain.AgentProcessHandle{}, domain.NewError(domain.KindConflict, "supervisor.launch", domain.ErrAlreadyRunning).
			WithSession(spec.SessionID, "launch")
	}

	log := s.log.With(spec.SessionID, "agent")
	cmd := exec.Command(s.command, buildArgs(script, spec)...)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = append(os.Environ(),
		"VOXGATE_SESSION_ID="+spec.SessionID,
		"VOXGATE_BOT_TYPE="+spec.BotType,
	)
	cmd.Stderr = log.Writer(zerolog.InfoLevel)
	cmd.WaitDelay = killWait
	setProcessGroup(cmd)

	p := &process{cmd: cmd, done: make(chan struct{})}

	var childIn, childOut *os.File
	if spec.Binding.IsTelephony() {
		inR, inW, err := os.Pipe()
		if err != nil {
			return domain.AgentProcessHandle{}, s.launchErr(spec, err)
		}
		outR, outW, err := os.Pipe()
		if err != nil {
			inR.Close()
			inW.Close()
			return domain.AgentProcessHandle{}, s.launchErr(spec, err)
		}
		cmd.Stdin, cmd.Stdout = inR, outW
		childIn, childOut = inR, outW
		p.audio = newPipeChannel(spec.SessionID, inW, outR, log.Sub("audio"))
	} else {
		cmd.Stdout = log.Writer(zerolog.DebugLevel)
	}

	startErr := cmd.Start()
	if childIn != nil {
		childIn.Close()
		childOut.Close()
	}
	if startErr != nil {
		if p.audio != nil {
			p.audio.close()
		}
		return domain.AgentProcessHandle{}, s.launchErr(spec, startErr)
	}

	now := s.now()
	p.handle = domain.AgentProcessHandle{
		SessionID:  spec.SessionID,
		PID:        cmd.Process.Pid,
		LaunchedAt: now,
		LastSeen:   now,
	}
	s.procs[spec.SessionID] = p
	go s.wait(p)

	log.Info().Int("pid", p.handle.PID).Str("script", script).Str("botType", spec.BotType).Msg("agent launched")
	return p.handle, nil
}

func buildArgs(script string, spec LaunchSpec) []string {
	args := []string{script}
	if spec.Binding.IsTelephony() {
		args = append(args, "-s", spec.Binding.CallSID)
	} else {
		args = append(args, "-u", spec.Binding.RoomURL, "-t", spec.Binding.Token)
	}
	if len(spec.Config) > 0 {
		args = append(args, "-c", string(spec.Config))
	}
	return args
}

// wait is the only caller of cmd.Wait for p.
func (s *ProcessSupervisor) wait(p *process) {
	err := p.cmd.Wait()
	if p.audio != nil {
		p.audio.close()
	}

	s.mu.Lock()
	if s.procs[p.handle.SessionID] == p {
		delete(s.procs, p.handle.SessionID)
	}
	s.mu.Unlock()

	p.mu.Lock()
	terminated := p.terminating
	p.mu.Unlock()
	close(p.done)

	exit := Exit{
		SessionID:  p.handle.SessionID,
		PID:        p.handle.PID,
		ExitCode:   p.cmd.ProcessState.ExitCode(),
		Terminated: terminated,
		At:         s.now(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !terminated || !errors.As(err, &exitErr) {
			exit.Err = err
		}
	}

	log := s.log.With(exit.SessionID, "agent")
	if exit.Err != nil {
		log.Warn().Err(exit.Err).Int("pid", exit.PID).Int("code", exit.ExitCode).Msg("agent exited with error")
	} else {
		log.Info().Int("pid", exit.PID).Int("code", exit.ExitCode).Bool("terminated", terminated).Msg("agent exited")
	}

	select {
	case s.exits <- exit:
	default:
		log.Warn().Msg("exit channel full; dropping exit notification")
	}
}

// Alive reports whether the session's agent is running and refreshes its
// last-seen time.
func (s *ProcessSupervisor) Alive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[sessionID]
	if !ok || !p.alive() {
		return false
	}
	p.handle.LastSeen = s.now()
	return true
}

// Handle returns the tracked handle for a live session.
func (s *ProcessSupervisor) Handle(sessionID string) (domain.AgentProcessHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[sessionID]
	if !ok || !p.alive() {
		return domain.AgentProcessHandle{}, false
	}
	return p.handle, true
}

// Handles lists every live agent.
func (s *ProcessSupervisor) Handles() []domain.AgentProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AgentProcessHandle, 0, len(s.procs))
	for _, p := range s.procs {
		if p.alive() {
			out = append(out, p.handle)
		}
	}
	return out
}

// Audio returns the audio channel of a live telephony agent.
func (s *ProcessSupervisor) Audio(sessionID string) (domain.AudioChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[sessionID]
	if !ok || p.audio == nil || !p.alive() {
		return nil, false
	}
	return p.audio, true
}

// Exits delivers one Exit per agent process.
func (s *ProcessSupervisor) Exits() <-chan Exit {
	return s.exits
}

// Terminate stops the session's agent: SIGINT, then SIGTERM after the stop
// grace, then SIGKILL, checking for exit between steps. It returns once the
// process is gone.
func (s *ProcessSupervisor) Terminate(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok || !p.alive() {
		return domain.ErrAgentNotRunning
	}

	p.mu.Lock()
	p.terminating = true
	p.mu.Unlock()

	log := s.log.With(sessionID, "terminate")
	for _, step := range []stopStep{stepInterrupt, stepTerminate, stepKill} {
		if err := signalGroup(p.cmd.Process, step); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Debug().Err(err).Int("step", int(step)).Msg("signal failed")
		}

		wait := s.stopGrace
		if step == stepKill || wait <= 0 {
			wait = killWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-p.done:
			timer.Stop()
			log.Debug().Int("step", int(step)).Msg("agent stopped")
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			log.Warn().Int("step", int(step)).Msg("agent still running, escalating")
		}
	}
	return fmt.Errorf("agent for session %s did not exit after SIGKILL", sessionID)
}

// Shutdown terminates every live agent.
func (s *ProcessSupervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Terminate(ctx, id); err != nil && !errors.Is(err, domain.ErrAgentNotRunning) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *ProcessSupervisor) launchErr(spec LaunchSpec, err error) error {
	return domain.NewError(domain.KindLaunch, "supervisor.launch", err).WithSession(spec.SessionID, "launch")
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
