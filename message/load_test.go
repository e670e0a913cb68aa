package message

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, data := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	}
}

func paths(b *Batch) []string {
	var out []string
	for _, m := range b.Messages() {
		out = append(out, filepath.Base(m.Path))
	}
	return out
}

func TestLoadPath(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.eml":        "Subject: a",
		"b.eml":        "Subject: b",
		"nested/c.eml": "Subject: c",
	})
	ctx := context.Background()

	b := NewBatch(nil)
	n, err := LoadPath(ctx, b, root, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a.eml", "b.eml"}, paths(b))
	assert.Equal(t, []byte("Subject: a"), b.Messages()[0].Data)
	assert.False(t, b.Closed())

	b = NewBatch(nil)
	n, err = LoadPath(ctx, b, root, LoadOptions{Recursive: true, Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a.eml", "b.eml", "c.eml"}, paths(b))

	b = NewBatch(nil)
	n, err = LoadPath(ctx, b, root, LoadOptions{Recursive: true, Shuffle: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Subset(t, []string{"a.eml", "b.eml", "c.eml"}, paths(b))

	b = NewBatch(nil)
	n, err = LoadPath(ctx, b, filepath.Join(root, "nested", "c.eml"), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, m := range b.Messages() {
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, StateQueued, m.State())
	}
}

func TestLoadPathErrors(t *testing.T) {
	ctx := context.Background()

	_, err := LoadPath(ctx, NewBatch(nil), filepath.Join(t.TempDir(), "missing"), LoadOptions{})
	assert.ErrorIs(t, err, os.ErrNotExist)

	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.eml": "x"})
	closed := NewBatch(nil, WithClosed(true))
	n, err := LoadPath(ctx, closed, root, LoadOptions{})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Zero(t, n)
}
