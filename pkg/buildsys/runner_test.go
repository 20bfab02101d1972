package buildsys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mvdan.cc/sh/v3/interp"
)

const graphScript = `
def configure():
    task("a", cmds = ["echo a >> log.txt"])
    task("b", deps = ["a"], cmds = ["echo b >> log.txt"])
    task("c", deps = ["a", "b"], cmds = ["echo c >> log.txt"])
    task("fail", deps = ["a"], cmds = ["echo fail >> log.txt", "exit 4", "echo unreachable >> log.txt"])
    task("after_fail", deps = ["fail"], cmds = ["echo after_fail >> log.txt"])
    task("loop1", deps = ["loop2"])
    task("loop2", deps = ["loop1"])
    task("cached", skip_if_exists = ["marker"], cmds = ["echo cached >> log.txt"])
    task("missing_dep", deps = ["nope"])
    task("hello", cmds = ["echo hello"])
    task("env", env = {"GREETING": "hi"}, cmds = ["echo $GREETING > env.txt"])
    task("early_exit", cmds = ["echo early >> log.txt", "exit 0", "echo late >> log.txt"])
    task("nested", cmds = [task(cmds = ["echo nested >> log.txt"]), "echo outer >> log.txt"])
    task("literal", cmds = [("GREETING=a b", "sh", "-c", "echo $GREETING", "it's"), ("echo", "it's", "$HOME", "a*b", "")])
`

func loadGraph(t *testing.T) (string, TaskList) {
	t.Helper()

	dir := t.TempDir()
	path := writeScript(t, dir, graphScript)
	script, err := Parse(context.Background(), path, dir, nil, nil)
	require.NoError(t, err)

	return dir, script.Tasks
}

func readLog(t *testing.T, dir string) string {
	t.Helper()

	content, err := ioutil.ReadFile(filepath.Join(dir, "log.txt"))
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(content)
}

func TestRunTaskRunsDependenciesFirst(t *testing.T) {
	dir, tasks := loadGraph(t)

	require.NoError(t, RunTask(context.Background(), dir, "c", tasks, RunOptions{}))
	assert.Equal(t, "a\nb\nc\n", readLog(t, dir))
}

func TestRunTasksRunsEachTaskOnce(t *testing.T) {
	dir, tasks := loadGraph(t)

	require.NoError(t, RunTasks(context.Background(), dir, []string{"a", "c", "b", "a"}, tasks, RunOptions{}))
	assert.Equal(t, "a\nb\nc\n", readLog(t, dir))
}

func TestRunTasksStopsAtFirstFailure(t *testing.T) {
	dir, tasks := loadGraph(t)

	err := RunTasks(context.Background(), dir, []string{"fail", "c"}, tasks, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, "a\nfail\n", readLog(t, dir))

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "fail", cmdErr.Task)
	assert.Equal(t, "exit 4", cmdErr.Command)
	assert.Equal(t, uint8(4), cmdErr.Status)
	assert.Equal(t, 4, ExitCode(err))
}

func TestRunTaskSkipsDependentsOfFailedTask(t *testing.T) {
	dir, tasks := loadGraph(t)

	err := RunTask(context.Background(), dir, "after_fail", tasks, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, "a\nfail\n", readLog(t, dir))
	assert.Equal(t, 4, ExitCode(err))
}

func TestRunTaskDetectsCycles(t *testing.T) {
	dir, tasks := loadGraph(t)

	err := RunTask(context.Background(), dir, "loop1", tasks, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "called recursively")
	assert.Equal(t, 1, ExitCode(err))
}

func TestRunTaskUnknownTasks(t *testing.T) {
	dir, tasks := loadGraph(t)

	err := RunTask(context.Background(), dir, "nope", tasks, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Task nope not found")
	assert.Equal(t, 1, ExitCode(err))

	err = RunTask(context.Background(), dir, "missing_dep", tasks, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required by missing_dep")
}

func TestRunTaskDryRun(t *testing.T) {
	dir, tasks := loadGraph(t)

	var logOut bytes.Buffer
	logger := zerolog.New(&logOut)
	ctx := WithLogger(context.Background(), &logger)

	require.NoError(t, RunTask(ctx, dir, "c", tasks, RunOptions{DryRun: true}))
	assert.Equal(t, "", readLog(t, dir))
	assert.Contains(t, logOut.String(), `"task":"c"`)
	assert.Contains(t, logOut.String(), `"command":true`)
	assert.Contains(t, logOut.String(), `"message":"echo c`)
}

func TestRunTaskSkipIfExists(t *testing.T) {
	dir, tasks := loadGraph(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "marker"), []byte{}, 0644))

	require.NoError(t, RunTask(context.Background(), dir, "cached", tasks, RunOptions{}))
	assert.Equal(t, "", readLog(t, dir))

	require.NoError(t, RunTask(context.Background(), dir, "cached", tasks, RunOptions{Force: true}))
	assert.Equal(t, "cached\n", readLog(t, dir))
}

func TestRunTaskOutput(t *testing.T) {
	dir, tasks := loadGraph(t)

	var stdout bytes.Buffer
	require.NoError(t, RunTask(context.Background(), dir, "hello", tasks, RunOptions{Stdout: &stdout}))
	assert.Equal(t, "hello\n", stdout.String())
}

func TestRunTaskPassesTupleArgumentsLiterally(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	dir, tasks := loadGraph(t)

	var stdout bytes.Buffer
	require.NoError(t, RunTask(context.Background(), dir, "literal", tasks, RunOptions{Stdout: &stdout}))
	assert.Equal(t, "a b\nit's $HOME a*b \n", stdout.String())
}

func TestRunTaskEnv(t *testing.T) {
	dir, tasks := loadGraph(t)

	require.NoError(t, RunTask(context.Background(), dir, "env", tasks, RunOptions{}))
	content, err := ioutil.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(content))
}

func TestRunTaskExitZeroStopsTask(t *testing.T) {
	dir, tasks := loadGraph(t)

	require.NoError(t, RunTask(context.Background(), dir, "early_exit", tasks, RunOptions{}))
	assert.Equal(t, "early\n", readLog(t, dir))
}

func TestRunTaskNestedTask(t *testing.T) {
	dir, tasks := loadGraph(t)

	require.NoError(t, RunTask(context.Background(), dir, "nested", tasks, RunOptions{}))
	assert.Equal(t, "nested\nouter\n", readLog(t, dir))
}

func TestRunTaskCancelled(t *testing.T) {
	dir, tasks := loadGraph(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTask(ctx, dir, "c", tasks, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "", readLog(t, dir))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 7, ExitCode(interp.NewExitStatus(7)))
	assert.Equal(t, 101, ExitCode(fmt.Errorf("wrapped: %w", &CommandError{Task: "test", Command: "cargo test", Status: 101})))
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Task: "build", Command: "cargo build --release", Status: 101}
	assert.Equal(t, `build: command "cargo build --release" exited with status 101`, err.Error())
}
