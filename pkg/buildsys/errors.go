package buildsys

import (
	"errors"
	"fmt"

	"mvdan.cc/sh/v3/interp"
)

// CommandError is returned when a task command exits with a non-zero status
type CommandError struct {
	Task    string
	Command string
	Status  uint8
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: command %q exited with status %d", e.Task, e.Command, e.Status)
}

func commandError(task *Task, command string, err error) error {
	if status, ok := interp.IsExitStatus(err); ok {
		return &CommandError{
			Task:    task.Short,
			Command: command,
			Status:  status,
		}
	}

	return err
}

// ExitCode maps the result of a task run to a process exit code. Command failures keep their
// status, any other error results in 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return int(cmdErr.Status)
	}

	if status, ok := interp.IsExitStatus(err); ok {
		return int(status)
	}

	return 1
}
