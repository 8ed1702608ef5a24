package capture

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"

	"duplex-transcription-service/internal/service/audio"
)

// Command describes the platform capture binary.
type Command struct {
	Binary string
	Args   []string
}

// DefaultCommand returns the capture command for the running platform. ok is
// false when the platform has no capture mechanism.
func DefaultCommand() (cmd Command, ok bool) {
	return commandFor(runtime.GOOS)
}

func commandFor(goos string) (Command, bool) {
	switch goos {
	case "darwin":
		return Command{Binary: "SystemAudioDump"}, true
	case "linux":
		return Command{
			Binary: "parec",
			Args: []string{
				"--device=@DEFAULT_MONITOR@",
				"--format=s16le",
				"--rate=" + strconv.Itoa(audio.CaptureSampleRate),
				"--channels=" + strconv.Itoa(audio.CaptureChannels),
				"--raw",
			},
		}, true
	default:
		return Command{}, false
	}
}

// PlatformSupported reports whether the running platform can capture system
// audio.
func PlatformSupported() bool {
	_, ok := DefaultCommand()
	return ok
}

// ExecSpawner returns a SpawnFunc that runs c and reads its stdout.
func ExecSpawner(c Command) SpawnFunc {
	return func() (Process, error) {
		cmd := exec.Command(c.Binary, c.Args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", c.Binary, err)
		}
		return &execProcess{cmd: cmd, stdout: stdout}, nil
	}
}

// KillStrays runs pkill -f name. No matching process is not an error.
func KillStrays(name string) error {
	err := exec.Command("pkill", "-f", name).Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return nil
	}
	return err
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
