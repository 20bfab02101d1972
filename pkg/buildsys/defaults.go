package buildsys

import (
	"context"
	_ "embed"
	"path/filepath"
)

// ScriptName is the file name task scripts are searched for
const ScriptName = "tasks.star"

//go:embed depi.star
var depiScript []byte

// DepiScript returns the built-in task script for depi
func DepiScript() []byte {
	return append([]byte(nil), depiScript...)
}

// ParseDepi evaluates the built-in depi task script as if it was located in projectRoot
func ParseDepi(ctx context.Context, projectRoot string, options map[string]string) (*Script, error) {
	return Parse(ctx, filepath.Join(projectRoot, ScriptName), projectRoot, DepiScript(), options)
}
