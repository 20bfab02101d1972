// Package buildsys implements a minimal build system based on Starlark for the task definitions
// and mvdan.cc/sh for the shell runtime.
//
// A task script declares its options at the top level and its tasks inside configure(). Each task
// runs its dependencies in declaration order before its own commands, runs at most once per
// invocation and the first failing command aborts the whole run. The built-in depi script
// (see DepiScript) declares the build, test, testo, install, uninstall and clean tasks.
package buildsys
