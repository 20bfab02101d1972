package buildsys

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	docCache     map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	defaultTask  string
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

// stringList converts an optional list argument of task() into a string slice
func stringList(list *starlark.List, field string) ([]string, error) {
	if list == nil {
		return []string{}, nil
	}

	result := make([]string, list.Len())
	for idx := range result {
		item, ok := list.Index(idx).(starlark.String)
		if !ok {
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, list.Index(idx).Type())
		}
		result[idx] = item.GoString()
	}
	return result, nil
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	return ioutil.ReadDir(path)
}

// characters that keep an argument from being passed as a bare shell literal
const shellSpecialChars = " \t\n\"'`$\\*?[]{}()<>|&;#~"

var dblQuoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")

// shellWord quotes value so that the shell passes it through as exactly one argument
func shellWord(value string) *syntax.Word {
	var part syntax.WordPart
	switch {
	case value != "" && !strings.ContainsAny(value, shellSpecialChars):
		part = &syntax.Lit{Value: value}
	case !strings.Contains(value, "'"):
		part = &syntax.SglQuoted{Value: value}
	default:
		part = &syntax.DblQuoted{Parts: []syntax.WordPart{&syntax.Lit{Value: dblQuoteEscaper.Replace(value)}}}
	}

	return &syntax.Word{Parts: []syntax.WordPart{part}}
}

// envAssign returns the assignment for a leading NAME=value command part or nil if part is an argument
func envAssign(part starlark.Value) *syntax.Assign {
	value, ok := part.(starlark.String)
	if !ok {
		return nil
	}

	pos := strings.IndexByte(value.GoString(), '=')
	if pos < 1 || !syntax.ValidName(value.GoString()[:pos]) {
		return nil
	}

	assign := &syntax.Assign{Name: &syntax.Lit{Value: value.GoString()[:pos]}}
	if rest := value.GoString()[pos+1:]; rest != "" {
		assign.Value = shellWord(rest)
	}
	return assign
}

// commandArg turns a command part into the string passed to the command. Paths are made
// relative to base because absolute paths cause issues on Windows.
func commandArg(part starlark.Value, base string) (string, error) {
	switch value := part.(type) {
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		arg := string(value)
		if filepath.IsAbs(arg) {
			if rel, err := filepath.Rel(base, arg); err == nil {
				arg = rel
			}
		}
		return filepath.ToSlash(arg), nil
	default:
		return "", eris.Errorf("found argument of type %s but only strings and paths are supported: %s", part.Type(), part.String())
	}
}

// commandCall builds a single shell call from a tuple or list command. Leading NAME=value
// parts become environment assignments for that call and every other part is one argument.
func commandCall(parts []starlark.Value, base string) (*syntax.CallExpr, error) {
	call := new(syntax.CallExpr)
	for len(parts) > 0 {
		assign := envAssign(parts[0])
		if assign == nil {
			break
		}
		call.Assigns = append(call.Assigns, assign)
		parts = parts[1:]
	}

	if len(parts) == 0 {
		return nil, eris.New("command only sets variables")
	}

	call.Args = make([]*syntax.Word, len(parts))
	for idx, part := range parts {
		arg, err := commandArg(part, base)
		if err != nil {
			return nil, err
		}
		call.Args[idx] = shellWord(arg)
	}

	return call, nil
}

func listValues(list *starlark.List) []starlark.Value {
	values := make([]starlark.Value, list.Len())
	for idx := range values {
		values[idx] = list.Index(idx)
	}
	return values
}

// taskCommands converts the cmds argument of task(). Strings are kept as scripts, tuples and
// lists become single quoted calls and tasks are run in place.
func taskCommands(task *Task, cmds *starlark.List) ([]TaskCmd, error) {
	result := make([]TaskCmd, 0)
	if cmds == nil {
		return result, nil
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	buffer := strings.Builder{}
	for idx, item := range listValues(cmds) {
		var parts []starlark.Value
		switch value := item.(type) {
		case starlark.String:
			result = append(result, TaskCmdScript{TaskName: task.Short, Index: idx, Content: value.GoString()})
			continue
		case *Task:
			result = append(result, TaskCmdTaskRef{Task: value})
			continue
		case starlark.Tuple:
			parts = value
		case *starlark.List:
			parts = listValues(value)
		default:
			return nil, eris.Errorf("unexpected type %s for command #%d. Only strings, tuples, lists and tasks are valid", item.Type(), idx)
		}

		call, err := commandCall(parts, task.Base)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to process command #%d", idx)
		}

		buffer.Reset()
		if err = printer.Print(&buffer, call); err != nil {
			return nil, eris.Wrapf(err, "failed to process command #%d", idx)
		}
		result = append(result, TaskCmdScript{TaskName: task.Short, Index: idx, Content: buffer.String()})
	}

	return result, nil
}

// taskEnv converts the env argument of task()
func taskEnv(env *starlark.Dict) (map[string]string, error) {
	result := map[string]string{}
	if env == nil {
		return result, nil
	}

	for _, item := range env.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
		}

		value, ok := item[1].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key.GoString())
		}
		result[key.GoString()] = value.GoString()
	}
	return result, nil
}

// scriptEvent finishes evt with msg prefixed by the script position that called the builtin
func scriptEvent(thread *starlark.Thread, evt *zerolog.Event, msg string) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	evt.Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, msg)
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	scriptEvent(thread, log(getCtx(thread).ctx).Info(), fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	scriptEvent(thread, log(getCtx(thread).ctx).Warn(), fmt.Sprintf(msg, args...))
}

// * Builtin functions

// option declares a script option and returns the value passed on the command line or its default
func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, help string
	var defaultValue starlark.String

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.Errorf("option %s has to be declared at the top level (init phase), not inside a function", name)
	}

	if _, present := ctx.options[name]; present {
		return nil, eris.Errorf("option %s was declared twice", name)
	}

	ctx.options[name] = ScriptOption{DefaultValue: defaultValue, Help: help}
	if value, ok := ctx.optionValues[name]; ok {
		return starlark.String(value), nil
	}
	return defaultValue, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps, skipIfExists, inputs, outputs, cmds *starlark.List
	var env *starlark.Dict

	task := new(Task)
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds, "default?", &task.Default)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("tasks can only be declared inside configure()")
	}

	switch task.Short {
	case "":
		// anonymous tasks only run where they're referenced
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	case "configure":
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(ctx, task.Base)

	lists := []struct {
		field  string
		value  *starlark.List
		result *[]string
	}{
		{"deps", deps, &task.Deps},
		{"skip_if_exists", skipIfExists, &task.SkipIfExists},
		{"inputs", inputs, &task.Inputs},
		{"outputs", outputs, &task.Outputs},
	}
	for _, list := range lists {
		*list.result, err = stringList(list.value, list.field)
		if err != nil {
			return nil, err
		}
	}

	task.Env, err = taskEnv(env)
	if err != nil {
		return nil, err
	}

	task.Cmds, err = taskCommands(task, cmds)
	if err != nil {
		return nil, eris.Wrapf(err, "%s", task.Short)
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		warn(thread, "%s: found inputs but no outputs", task.Short)
	}

	if task.Default {
		if task.Hidden {
			return nil, eris.Errorf("hidden task %s can't be the default task", task.Short)
		}

		if ctx.defaultTask != "" {
			return nil, eris.Errorf("task %s is marked as default but %s already is", task.Short, ctx.defaultTask)
		}
		ctx.defaultTask = task.Short
	}

	if !task.Hidden {
		ctx.tasks = append(ctx.tasks, task)
	}
	return task, nil
}

func scriptBuiltins() starlark.StringDict {
	builtins := starlark.StringDict{
		"OS":   starlark.String(runtime.GOOS),
		"ARCH": starlark.String(runtime.GOARCH),
	}

	for name, fn := range map[string]func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error){
		"info":         starInfo,
		"warn":         starWarn,
		"error":        starError,
		"resolve_path": resolvePath,
		"option":       option,
		"getenv":       getenv,
		"setenv":       setenv,
		"prepend_path": prependPathDir,
		"read_yaml":    readYaml,
		"read_toml":    readToml,
		"semver_match": semverMatch,
		"isdir":        starIsdir,
		"isfile":       starIsfile,
		"execute":      starExec,
		"task":         task,
	} {
		builtins[name] = starlark.NewBuiltin(name, fn)
	}
	return builtins
}

// scriptError renders starlark evaluation errors with their backtrace
func scriptError(err error, msg string) error {
	if evalError, ok := err.(*starlark.EvalError); ok {
		return eris.Errorf("%s:\n%s", msg, evalError.Backtrace())
	}
	return eris.Wrap(err, msg)
}

// RunScript executes a starlark script and returns the declared options. If doConfigure is true, the script's
// configure function is called and the declared tasks are collected and returned. If src is nil, the script is
// read from filename.
func RunScript(ctx context.Context, filename, projectRoot string, src []byte, options map[string]string, doConfigure bool) (*Script, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	if options == nil {
		options = map[string]string{}
	}
	pctx := &parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		docCache:     make(map[string]interface{}),
		initPhase:    true,
	}
	shortName := simplifyPath(pctx, filename)

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	thread.SetLocal("parserCtx", pctx)

	if src == nil {
		src, err = ioutil.ReadFile(filename)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read file")
		}
	}

	globals, err := starlark.ExecFile(thread, shortName, src, scriptBuiltins())
	if err != nil {
		return nil, scriptError(err, "failed to execute "+shortName)
	}

	for name := range options {
		if _, ok := pctx.options[name]; !ok {
			log(ctx).Warn().Msgf("%s does not declare the option %s", shortName, name)
		}
	}

	script := &Script{
		Tasks:   TaskList{},
		Options: pctx.options,
	}
	if !doConfigure {
		return script, nil
	}

	configure, ok := globals["configure"]
	if !ok {
		return nil, eris.Errorf("%s did not declare a configure function", shortName)
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return nil, eris.Errorf("%s did declare a configure value but it's not a function", shortName)
	}

	pctx.initPhase = false
	if _, err = starlark.Call(thread, configureFunc, nil, nil); err != nil {
		return nil, scriptError(err, "failed configure call in "+shortName)
	}

	for _, task := range pctx.tasks {
		if _, present := script.Tasks[task.Short]; present {
			return nil, eris.Errorf("task %s was declared more than once", task.Short)
		}
		script.Tasks[task.Short] = task

		// setenv() applies to every task that doesn't set the variable itself
		for name, value := range pctx.envOverrides {
			if _, present := task.Env[name]; !present {
				task.Env[name] = value
			}
		}
	}

	script.Default = pctx.defaultTask
	if script.Default == "" {
		script.Default = DefaultTaskName
	}

	return script, nil
}

// Parse evaluates the task script at filename (or src, if it's not nil) and returns the declared tasks
func Parse(ctx context.Context, filename, projectRoot string, src []byte, options map[string]string) (*Script, error) {
	return RunScript(ctx, filename, projectRoot, src, options, true)
}
