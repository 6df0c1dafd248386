package playback

import (
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// commandSink feeds PCM into the stdin of an external player such as aplay.
type commandSink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// OpenCommandSink starts the player command and returns its stdin.
func OpenCommandSink(command string) (io.WriteCloser, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse output command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("output command empty")
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("output stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, args[0], err)
	}
	return &commandSink{cmd: cmd, stdin: stdin}, nil
}

func (c *commandSink) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

func (c *commandSink) Close() error {
	closeErr := c.stdin.Close()
	waitErr := c.cmd.Wait()
	return errors.Join(closeErr, waitErr)
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Close() error                { return nil }

// DiscardSink accepts and drops audio; the device clock still runs in real time.
func DiscardSink() io.WriteCloser { return discardSink{} }
