package buildsys

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func writeScript(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, ScriptName)
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

func parseScript(t *testing.T, content string, options map[string]string) (*Script, error) {
	t.Helper()

	dir := t.TempDir()
	path := writeScript(t, dir, content)
	return Parse(context.Background(), path, dir, nil, options)
}

func TestParseDepiDeclaresTasks(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(t.TempDir(), "bin")

	script, err := ParseDepi(context.Background(), root, map[string]string{"prefix": prefix, "cargo": "true"})
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "clean", "install", "test", "testo", "uninstall"}, script.Tasks.Names())
	assert.Equal(t, "build", script.Default)
	assert.True(t, script.Tasks["build"].Default)
	assert.Equal(t, []string{"test", "build"}, script.Tasks["install"].Deps)
	assert.Empty(t, script.Tasks["build"].Deps)
	assert.Empty(t, script.Tasks["uninstall"].Deps)
	assert.Empty(t, script.Tasks["clean"].Deps)

	require.Len(t, script.Tasks["testo"].Cmds, 2)
	assert.Equal(t, "true test -- --nocapture", script.Tasks["testo"].Cmds[1].(TaskCmdScript).String())

	// build, test and testo share one hidden toolchain task
	toolchain, ok := script.Tasks["build"].Cmds[0].(TaskCmdTaskRef)
	require.True(t, ok)
	assert.True(t, toolchain.Task.Hidden)
	assert.Equal(t, "true --version", toolchain.Task.Cmds[0].(TaskCmdScript).String())
	for _, name := range []string{"test", "testo"} {
		ref, ok := script.Tasks[name].Cmds[0].(TaskCmdTaskRef)
		require.True(t, ok, name)
		assert.Same(t, toolchain.Task, ref.Task, name)
	}
	assert.NotContains(t, script.Tasks.Names(), toolchain.Task.Short)

	require.Len(t, script.Tasks["install"].Cmds, 1)
	assert.Contains(t, script.Tasks["install"].Cmds[0].(TaskCmdScript).String(), "install -m 755 -T target/release/depi ")

	for _, name := range script.Tasks.Names() {
		assert.NotEmpty(t, script.Tasks[name].Desc, name)
		assert.Equal(t, root, script.Tasks[name].Base, name)
	}

	assert.Contains(t, script.Options, "prefix")
	assert.Equal(t, "cargo", script.Options["cargo"].Default())
}

func TestParseDepiRequiresPrefix(t *testing.T) {
	_, err := ParseDepi(context.Background(), t.TempDir(), map[string]string{"prefix": "", "cargo": "true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "the prefix option is empty")
}

func TestRunScriptWithoutConfigureOnlyCollectsOptions(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, `
mode = option("mode", default = "debug", help = "build mode")

def configure():
    error("configure should not run")
`)

	script, err := RunScript(context.Background(), path, dir, nil, map[string]string{"mode": "release"}, false)
	require.NoError(t, err)
	assert.Empty(t, script.Tasks)
	assert.Equal(t, "debug", script.Options["mode"].Default())
	assert.Equal(t, "build mode", script.Options["mode"].Help)
}

func TestParseOptionValues(t *testing.T) {
	script, err := parseScript(t, `
mode = option("mode", default = "debug")
other = option("other", default = "unchanged")

def configure():
    task("build", desc = mode + " " + other)
`, map[string]string{"mode": "release"})
	require.NoError(t, err)
	assert.Equal(t, "release unchanged", script.Tasks["build"].Desc)
}

func TestParseOptionOutsideInitPhase(t *testing.T) {
	_, err := parseScript(t, `
def configure():
    option("late")
`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init phase")
}

func TestParseOptionDeclaredTwice(t *testing.T) {
	_, err := parseScript(t, `
mode = option("mode")
other = option("mode", default = "debug")

def configure():
    pass
`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "option mode was declared twice")
}

func TestParseDefaultTask(t *testing.T) {
	script, err := parseScript(t, `
def configure():
    task("build")
    task("check", default = True)
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "check", script.Default)

	script, err = parseScript(t, `
def configure():
    task("compile")
`, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTaskName, script.Default)
}

func TestParseRejectsInvalidTasks(t *testing.T) {
	tests := []struct {
		name   string
		script string
		err    string
	}{
		{
			name: "reserved name",
			script: `
def configure():
    task("configure")
`,
			err: "reserved",
		},
		{
			name: "duplicate name",
			script: `
def configure():
    task("build")
    task("build")
`,
			err: "declared more than once",
		},
		{
			name: "two defaults",
			script: `
def configure():
    task("build", default = True)
    task("test", default = True)
`,
			err: "already is",
		},
		{
			name: "hidden default",
			script: `
def configure():
    task(default = True)
`,
			err: "can't be the default task",
		},
		{
			name: "missing configure",
			script: `
x = 1
`,
			err: "did not declare a configure function",
		},
		{
			name: "configure is not a function",
			script: `
configure = 1
`,
			err: "not a function",
		},
		{
			name: "invalid deps",
			script: `
def configure():
    task("build", deps = [1])
`,
			err: "expected all items in deps to be strings",
		},
		{
			name: "invalid command",
			script: `
def configure():
    task("build", cmds = [1])
`,
			err: "unexpected type int",
		},
		{
			name: "task outside configure",
			script: `
task("build")

def configure():
    pass
`,
			err: "tasks can only be declared inside configure()",
		},
		{
			name: "command without program",
			script: `
def configure():
    task("build", cmds = [("FOO=bar",)])
`,
			err: "command only sets variables",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseScript(t, tt.script, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestParseQuotesCommandArguments(t *testing.T) {
	script, err := parseScript(t, `
def configure():
    task("build", cmds = [("EMPTY=", "MSG=a b", "echo", "it's", "$HOME", "a*b", "", "--flag=x")])
`, nil)
	require.NoError(t, err)

	cmds := script.Tasks["build"].Cmds
	require.Len(t, cmds, 1)
	assert.Equal(t, `EMPTY= MSG='a b' echo "it's" '$HOME' 'a*b' '' --flag=x`, cmds[0].(TaskCmdScript).String())
}

func TestParseCommandForms(t *testing.T) {
	script, err := parseScript(t, `
def configure():
    helper = task(cmds = ["echo helper"])
    task("build", cmds = [
        "echo script",
        ("echo", "tuple", "with space"),
        ["FOO=bar", "echo", "list"],
        helper,
    ])
`, nil)
	require.NoError(t, err)

	// hidden tasks are only reachable through references
	assert.Equal(t, []string{"build"}, script.Tasks.Names())

	cmds := script.Tasks["build"].Cmds
	require.Len(t, cmds, 4)
	assert.Equal(t, "echo script", cmds[0].(TaskCmdScript).String())
	assert.Equal(t, "echo tuple 'with space'", cmds[1].(TaskCmdScript).String())
	assert.Equal(t, "FOO=bar echo list", cmds[2].(TaskCmdScript).String())

	ref, err := cmds[3].ToTask()
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.True(t, ref.Hidden)
}

func TestParseReadsDocuments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(`
[package]
name = "depi"
version = "0.3.1"
`), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "deps.yaml"), []byte(`
deps:
  - name: openssl
  - name: zlib
    version: 1.2.11
`), 0644))

	path := writeScript(t, dir, `
version = read_toml("Cargo.toml", "package.version")
second = read_yaml("deps.yaml", "deps.1.name")
missing = read_yaml("deps.yaml", "deps.5.name", "none")
no_default = read_toml("Cargo.toml", "package.edition")

def configure():
    task("build", desc = " ".join([version, second, missing, str(no_default)]))
`)

	script, err := Parse(context.Background(), path, dir, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.3.1 zlib none None", script.Tasks["build"].Desc)
}

func TestParseReadsTomlTableArrays(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(`
[package]
name = "depi"

[[bin]]
name = "depi"
path = "src/main.rs"

[[bin]]
name = "depi-helper"
`), 0644))

	path := writeScript(t, dir, `
bins = read_toml("Cargo.toml", "bin")
names = [b["name"] for b in bins]

def configure():
    task("build", desc = " ".join(names + [read_toml("Cargo.toml", "bin.0.path")]))
`)

	script, err := Parse(context.Background(), path, dir, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "depi depi-helper src/main.rs", script.Tasks["build"].Desc)
}

func TestParseReadMissingDocument(t *testing.T) {
	_, err := parseScript(t, `
value = read_toml("missing.toml", "package.version")

def configure():
    pass
`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open file")
}

func TestParseSemverMatch(t *testing.T) {
	script, err := parseScript(t, `
def configure():
    task("build", desc = "%s %s" % (semver_match("1.60.0", ">= 1.56.0"), semver_match("1.50.2", ">= 1.56.0")))
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "True False", script.Tasks["build"].Desc)

	_, err = parseScript(t, `
ok = semver_match("not a version", ">= 1.0")

def configure():
    pass
`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid version")
}

func TestParseExecute(t *testing.T) {
	script, err := parseScript(t, `
output = execute(("echo", "hello"))
failed = execute("exit 3")

def configure():
    task("build", desc = output.strip() + " " + str(failed))
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello False", script.Tasks["build"].Desc)
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("DEPI_TEST_VALUE", "from env")

	script, err := parseScript(t, `
setenv("DEPI_BUILD_MODE", "release")

def configure():
    task("build", desc = getenv("DEPI_TEST_VALUE"))
    task("test", env = {"DEPI_BUILD_MODE": "debug"})
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "from env", script.Tasks["build"].Desc)
	assert.Equal(t, "release", script.Tasks["build"].Env["DEPI_BUILD_MODE"])
	assert.Equal(t, "debug", script.Tasks["test"].Env["DEPI_BUILD_MODE"])
}

func TestParseResolvePath(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, `
def configure():
    task("build", desc = str(resolve_path("//target", "release")), base = "sub")
`)

	script, err := Parse(context.Background(), path, dir, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, starlark.String(filepath.Join(dir, "target", "release")).String(), script.Tasks["build"].Desc)
	assert.Equal(t, filepath.Join(dir, "sub"), script.Tasks["build"].Base)
}
