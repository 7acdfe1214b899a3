package launcher

import (
	"io"
	"os"
	"os/exec"
)

// Process is a started child.
type Process interface {
	Pid() int
	// Wait blocks until the child exits. It returns nil on success, an
	// *exec.ExitError for an unsuccessful exit and any other error when the
	// exit status could not be determined.
	Wait() error
}

// Spawner starts one child process for command with args.
type Spawner interface {
	Spawn(command string, args []string) (Process, error)
}

// ExecSpawner starts children with os/exec. The command is resolved through
// PATH and gets no shell. Stdin is the null device; stdout and stderr go to
// the given writers or are inherited from this process when nil.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
	Env    []string // nil inherits the environment
}

func (s ExecSpawner) Spawn(command string, args []string) (Process, error) {
	cmd := exec.Command(command, args...)
	cmd.Stdout = valOr(s.Stdout, os.Stdout)
	cmd.Stderr = valOr(s.Stderr, os.Stderr)
	cmd.Env = s.Env
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p execProcess) Wait() error { return p.cmd.Wait() }

func valOr(w io.Writer, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
