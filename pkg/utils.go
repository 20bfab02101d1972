package pkg

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by FindUp if none of the directories contain the file
var ErrNotFound = eris.New("file not found")

// FindUp looks for name in start and each of its parents and returns the first match
func FindUp(start, name string) (string, error) {
	mypath, err := filepath.Abs(start)
	if err != nil {
		return "", eris.Wrapf(err, "Failed to resolve %s", start)
	}

	for {
		candidate := filepath.Join(mypath, name)
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}

		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "Failed to check %s", candidate)
		}

		nextPath := filepath.Dir(mypath)
		if mypath == nextPath {
			break
		}
		mypath = nextPath
	}

	return "", ErrNotFound
}

// GetProjectRoot returns the closest directory (starting at start) that contains a Cargo.toml or
// .git entry. If there is none, start itself is returned.
func GetProjectRoot(start string) (string, error) {
	for _, marker := range []string{"Cargo.toml", ".git"} {
		path, err := FindUp(start, marker)
		if err == nil {
			return filepath.Dir(path), nil
		}

		if err != ErrNotFound {
			return "", err
		}
	}

	return filepath.Abs(start)
}
