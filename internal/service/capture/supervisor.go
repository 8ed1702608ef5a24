// Package capture supervises the external system-audio capture process. It
// slices the process output into fixed stereo frames, downmixes them to mono
// and hands them to the remote channel and to metering listeners.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"duplex-transcription-service/internal/observability/metrics"
	"duplex-transcription-service/internal/service/audio"
)

// State represents the supervisor state.
type State int

const (
	// StateIdle - No capture process.
	StateIdle State = iota
	// StateStarting - Spawn in progress.
	StateStarting
	// StateRunning - Process output is being read and forwarded.
	StateRunning
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

var (
	ErrUnsupportedPlatform = errors.New("system audio capture is not supported on this platform")
	ErrRemoteNotReady      = errors.New("remote channel is not established")
	ErrAlreadyRunning      = errors.New("capture already running")
	ErrStartAborted        = errors.New("capture stopped while starting")
)

// Process is a running capture process.
type Process interface {
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// SpawnFunc starts the capture process.
type SpawnFunc func() (Process, error)

// KillFunc best-effort terminates stray processes with the given name.
type KillFunc func(name string) error

// Options wires the supervisor to its collaborators. Spawn is required.
type Options struct {
	// ProcessName is passed to KillStrays before each spawn.
	ProcessName string
	// ChunkBytes is the stereo frame size; defaults to audio.CaptureChunkBytes.
	ChunkBytes        int
	Spawn             SpawnFunc
	KillStrays        KillFunc
	PlatformSupported func() bool
	RemoteReady       func() bool
	// OnChunk receives each downmixed mono chunk. It is called from the
	// reader goroutine.
	OnChunk func(mono []byte)
	// OnExit is called when the process ends on its own.
	OnExit func(err error)
}

// Supervisor owns at most one capture process.
type Supervisor struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
	proc  Process
	gen   uint64
}

// NewSupervisor creates an idle supervisor. m may be nil.
func NewSupervisor(opts Options, m *metrics.Metrics, logger zerolog.Logger) *Supervisor {
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = audio.CaptureChunkBytes
	}
	return &Supervisor{opts: opts, logger: logger, metrics: m}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the capture process and begins forwarding chunks.
func (s *Supervisor) Start() error {
	if s.opts.PlatformSupported != nil && !s.opts.PlatformSupported() {
		return ErrUnsupportedPlatform
	}
	if s.opts.RemoteReady != nil && !s.opts.RemoteReady() {
		return ErrRemoteNotReady
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.gen++
	gen := s.gen
	s.setState(StateStarting)
	s.mu.Unlock()

	if s.opts.KillStrays != nil && s.opts.ProcessName != "" {
		if err := s.opts.KillStrays(s.opts.ProcessName); err != nil {
			s.logger.Debug().Err(err).Str("process", s.opts.ProcessName).Msg("stray cleanup failed")
		}
	}

	proc, err := s.opts.Spawn()

	s.mu.Lock()
	if err != nil {
		if s.gen == gen {
			s.setState(StateIdle)
		}
		s.mu.Unlock()
		s.metrics.RecordCaptureExit("spawn_failed")
		return fmt.Errorf("spawn capture process: %w", err)
	}
	if s.gen != gen {
		s.mu.Unlock()
		_ = proc.Kill()
		_ = proc.Wait()
		return ErrStartAborted
	}
	s.proc = proc
	s.setState(StateRunning)
	s.mu.Unlock()

	s.logger.Info().Int("chunkBytes", s.opts.ChunkBytes).Msg("system audio capture started")
	go s.readLoop(proc, gen)
	return nil
}

// Stop terminates the process and discards buffered leftovers. Stopping an
// idle supervisor is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	proc := s.proc
	s.proc = nil
	s.setState(StateIdle)
	s.mu.Unlock()

	s.logger.Info().Msg("system audio capture stopped")
	s.metrics.RecordCaptureExit("stopped")
	if proc == nil {
		return nil
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill capture process: %w", err)
	}
	return nil
}

func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state == StateRunning
}

// setState must be called with s.mu held.
func (s *Supervisor) setState(st State) {
	s.state = st
	s.metrics.SetCaptureState(int(st))
}

func (s *Supervisor) readLoop(proc Process, gen uint64) {
	chunk := s.opts.ChunkBytes
	pending := make([]byte, 0, chunk*2)
	buf := make([]byte, 32*1024)
	r := proc.Stdout()

	var readErr error
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			consumed := 0
			for len(pending)-consumed >= chunk {
				if !s.current(gen) {
					_ = proc.Wait()
					return
				}
				mono := audio.Downmix(pending[consumed : consumed+chunk])
				consumed += chunk
				s.metrics.RecordCaptureChunk()
				if s.opts.OnChunk != nil {
					s.opts.OnChunk(mono)
				}
			}
			if consumed > 0 {
				pending = append(pending[:0], pending[consumed:]...)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	waitErr := proc.Wait()
	if readErr == nil {
		readErr = waitErr
	}
	s.exited(gen, readErr, len(pending))
}

func (s *Supervisor) exited(gen uint64, err error, leftover int) {
	s.mu.Lock()
	if s.gen != gen {
		// Stopped by the owner; already idle.
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.setState(StateIdle)
	s.mu.Unlock()

	s.metrics.RecordCaptureExit("exited")
	s.logger.Warn().Err(err).Int("leftoverBytes", leftover).Msg("capture process exited")
	if s.opts.OnExit != nil {
		s.opts.OnExit(err)
	}
}
