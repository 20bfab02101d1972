// Package cmd implements a simple CLI for the buildsys package
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/depi/build-tools/pkg"
	"github.com/ngld/depi/build-tools/pkg/buildsys"
	"github.com/ngld/depi/build-tools/pkg/config"
)

type taskFlags struct {
	dryRun  bool
	force   bool
	list    bool
	verbose bool
	noColor bool
	prefix  string
	tasks   string
}

// NewTaskCommand creates the "task" command which parses the task script and executes the requested tasks
func NewTaskCommand() *cobra.Command {
	flags := &taskFlags{}

	cmd := &cobra.Command{
		Use:   "task [task...] [option=value...]",
		Short: "Simple build system for depi",
		Long: `This command parses the first tasks.star file it finds and executes the given tasks.
If there is no tasks.star file, the built-in depi task script is used.

Without any task names, the default task (build) runs. Arguments of the form
option=value set script options, i.e. prefix=/usr/local/bin.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskCommand(cmd, flags, args)
		},
	}

	cmd.Flags().BoolVarP(&flags.dryRun, "dry", "n", false, "dry run; only print the commands, don't execute anything")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	cmd.Flags().BoolVarP(&flags.list, "list", "l", false, "list the available tasks and exit")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "show debug messages")
	cmd.Flags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	cmd.Flags().StringVar(&flags.prefix, "prefix", "", "destination root for install and uninstall (overrides DEPI_PREFIX)")
	cmd.Flags().StringVar(&flags.tasks, "tasks", "", "task script to use instead of searching for tasks.star")

	return cmd
}

func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

func runTaskCommand(cmd *cobra.Command, flags *taskFlags, args []string) error {
	taskArgs, userOptions := splitArgs(args)

	// the logger depends on the config so anything failing before it exists is printed directly
	wd, err := os.Getwd()
	if err != nil {
		err = eris.Wrap(err, "Failed to retrieve the current working directory")
		cmd.PrintErrln("Error:", err)
		return err
	}

	cfg, err := config.Load(wd)
	if err != nil {
		cmd.PrintErrln("Error:", err)
		return err
	}

	if flags.prefix != "" {
		cfg.Prefix = flags.prefix
	}
	if flags.tasks != "" {
		cfg.Tasks = flags.tasks
	}

	level := cfg.LogLevel()
	if flags.verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	logger := NewLogger(cmd.ErrOrStderr(), cfg.Log.JSON, flags.noColor, level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()
	ctx = buildsys.WithLogger(ctx, &logger)

	destRoot, err := cfg.DestRoot()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to determine the destination root")
		return err
	}

	options := map[string]string{"prefix": destRoot}
	for name, value := range userOptions {
		options[name] = value
	}

	// prefix=... resolves against the working directory just like DEPI_PREFIX and --prefix
	if prefix := options["prefix"]; prefix != "" && !filepath.IsAbs(prefix) {
		options["prefix"] = filepath.Join(wd, prefix)
	}

	script, projectRoot, err := loadScript(ctx, wd, cfg.Tasks, options)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to parse tasks")
		return err
	}

	if flags.list {
		return printTaskList(cmd.OutOrStdout(), script)
	}

	if len(taskArgs) == 0 {
		taskArgs = []string{script.Default}
	}

	err = buildsys.RunTasks(ctx, projectRoot, taskArgs, script.Tasks, buildsys.RunOptions{
		DryRun:   flags.dryRun,
		Force:    flags.force,
		Progress: cfg.Progress,
		Stdout:   cmd.OutOrStdout(),
		Stderr:   cmd.ErrOrStderr(),
	})
	if err != nil {
		logger.Error().Err(err).Msgf("Failed task %s", strings.Join(taskArgs, ", "))
		return err
	}

	return nil
}

// loadScript parses the explicitly passed task script, the closest tasks.star or the built-in depi script.
// The second return value is the project root the tasks run in.
func loadScript(ctx context.Context, wd, explicit string, options map[string]string) (*buildsys.Script, string, error) {
	taskPath := explicit
	if taskPath == "" {
		var err error
		taskPath, err = pkg.FindUp(wd, buildsys.ScriptName)
		if err != nil && err != pkg.ErrNotFound {
			return nil, "", err
		}
	}

	if taskPath == "" {
		projectRoot, err := pkg.GetProjectRoot(wd)
		if err != nil {
			return nil, "", err
		}

		script, err := buildsys.ParseDepi(ctx, projectRoot, options)
		return script, projectRoot, err
	}

	if !filepath.IsAbs(taskPath) {
		taskPath = filepath.Join(wd, taskPath)
	}

	projectRoot := filepath.Dir(taskPath)
	script, err := buildsys.Parse(ctx, taskPath, projectRoot, nil, options)
	return script, projectRoot, err
}

func printTaskList(out io.Writer, script *buildsys.Script) error {
	fmt.Fprintln(out, "Available tasks:")
	maxNameLen := 0
	sortedNames := script.Tasks.Names()
	for _, name := range sortedNames {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}

	lineFmt := fmt.Sprintf(" * %%-%ds %%s%%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		suffix := ""
		if name == script.Default {
			suffix = " (default)"
		}

		_, err := fmt.Fprintf(out, lineFmt, name+":", script.Tasks[name].Desc, suffix)
		if err != nil {
			return err
		}
	}

	return nil
}
