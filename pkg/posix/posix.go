// Package posix implements the few POSIX file utilities task scripts rely on (mv, rm, mkdir
// and install) so that they behave identically on every platform.
package posix

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

type (
	dirKey      struct{}
	progressKey struct{}
)

// WithDir attaches the directory relative paths are resolved against
func WithDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, dirKey{}, dir)
}

// WithProgress enables or disables progress bars for long copies
func WithProgress(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, progressKey{}, enabled)
}

// Resolve turns path into an absolute path based on the directory attached to ctx. Without
// an attached directory, the process' working directory is used.
func Resolve(ctx context.Context, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	if ctx != nil {
		if dir, ok := ctx.Value(dirKey{}).(string); ok && dir != "" {
			return filepath.Join(dir, path)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func progressEnabled(ctx context.Context) bool {
	enabled, _ := ctx.Value(progressKey{}).(bool)
	return enabled
}

// Install copies src to dest and applies mode. If dest is an existing directory, the file is
// placed inside it under its original name. See InstallFile for the remaining behaviour.
func Install(src, dest string, mode os.FileMode, progress io.Writer) error {
	destInfo, err := os.Stat(dest)
	if err == nil && destInfo.IsDir() {
		dest = filepath.Join(dest, filepath.Base(src))
	} else if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}

	return InstallFile(src, dest, mode, progress)
}

// InstallFile copies src to exactly dest and applies mode. Missing parent directories are
// created. An existing directory at dest is an error.
//
// The copy is written to a temporary file next to dest and renamed into place which means an
// existing dest is always fully replaced and never left half-written. progress may be nil.
func InstallFile(src, dest string, mode os.FileMode, progress io.Writer) error {
	srcHandle, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", src)
	}
	defer srcHandle.Close()

	srcInfo, err := srcHandle.Stat()
	if err != nil {
		return eris.Wrapf(err, "Failed to retrieve info about %s", src)
	}

	if srcInfo.IsDir() {
		return eris.Errorf("%s is a directory", src)
	}

	destInfo, err := os.Stat(dest)
	if err == nil && destInfo.IsDir() {
		return eris.Errorf("Can't replace directory %s with a file", dest)
	} else if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}

	destDir := filepath.Dir(dest)
	err = os.MkdirAll(destDir, 0755)
	if err != nil {
		return eris.Wrapf(err, "Failed to create directory %s", destDir)
	}

	tmp, err := ioutil.TempFile(destDir, "."+filepath.Base(dest)+".*")
	if err != nil {
		return eris.Wrapf(err, "Failed to create temporary file in %s", destDir)
	}
	tmpName := tmp.Name()
	done := false
	defer func() {
		if !done {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	var out io.Writer = tmp
	if progress != nil {
		out = io.MultiWriter(tmp, progress)
	}

	_, err = io.Copy(out, srcHandle)
	if err != nil {
		return eris.Wrapf(err, "Failed to copy %s to %s", src, dest)
	}

	err = tmp.Close()
	if err != nil {
		return eris.Wrapf(err, "Failed to write %s", tmpName)
	}

	err = os.Chmod(tmpName, mode)
	if err != nil {
		return eris.Wrapf(err, "Failed to set permissions on %s", dest)
	}

	err = os.Rename(tmpName, dest)
	if err != nil {
		return eris.Wrapf(err, "Failed to move %s into place", dest)
	}

	done = true
	return nil
}

// Remove deletes the given items. Directories are only deleted if recursive is set. If force is
// set, missing items are ignored.
func Remove(items []string, recursive, force bool) error {
	existing := make([]string, 0, len(items))
	for _, item := range items {
		info, err := os.Lstat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}

		existing = append(existing, item)
	}

	for _, item := range existing {
		err := os.RemoveAll(item)
		if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}

	return nil
}

// Mkdir creates the given directories. With parents, missing parents are created and existing
// directories are not an error.
func Mkdir(items []string, parents bool) error {
	var err error
	for _, item := range items {
		if parents {
			err = os.MkdirAll(item, 0770)
		} else {
			err = os.Mkdir(item, 0770)
		}

		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}

	return nil
}

// Move moves items to dest. If more than one item is passed, dest has to be a directory.
func Move(items []string, dest string) error {
	if len(items) < 1 {
		return eris.New("Nothing to move")
	}

	dest = filepath.Clean(dest)
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "Could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory!", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err == nil {
		destIsDir = info.IsDir()
	} else if !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}
