package buildsys

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupKey(t *testing.T) {
	doc := map[string]interface{}{
		"package": map[string]interface{}{"version": "1.0.0"},
		"bin":     []map[string]interface{}{{"name": "depi"}},
		"deps":    []interface{}{"serde", "clap"},
	}

	tests := []struct {
		key   string
		value interface{}
		found bool
	}{
		{"package.version", "1.0.0", true},
		{"bin.0.name", "depi", true},
		{"deps.1", "clap", true},
		{"deps.2", nil, false},
		{"deps.x", nil, false},
		{"package.version.major", nil, false},
		{"missing", nil, false},
	}

	for _, tt := range tests {
		value, found := lookupKey(doc, tt.key)
		assert.Equal(t, tt.found, found, tt.key)
		assert.Equal(t, tt.value, value, tt.key)
	}
}

func TestSimplifyPath(t *testing.T) {
	root := t.TempDir()
	ctx := &parserCtx{projectRoot: root}

	assert.Equal(t, "//tasks.star", simplifyPath(ctx, filepath.Join(root, "tasks.star")))
	assert.Equal(t, "//sub/dir", simplifyPath(ctx, filepath.Join(root, "sub", "dir")))

	outside := filepath.Join(filepath.Dir(root), "other")
	assert.Equal(t, outside, simplifyPath(ctx, outside))

	// a sibling sharing the root's name as a prefix is still outside
	sibling := root + "-sibling"
	assert.Equal(t, sibling, simplifyPath(ctx, sibling))
}

func TestNormalizePath(t *testing.T) {
	root := t.TempDir()
	ctx := &parserCtx{projectRoot: root, filepath: filepath.Join(root, "sub", "tasks.star")}

	assert.Equal(t, filepath.Join(root, "sub", "out"), normalizePath(ctx, "out"))
	assert.Equal(t, filepath.Join(root, "target"), normalizePath(ctx, "//target"))
	assert.Equal(t, filepath.Join(root, "target", "release"), normalizePath(ctx, "//target", "release"))
}
