package message

import (
	"context"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/sync/errgroup"
)

// LoadOptions controls how LoadPath selects files
type LoadOptions struct {
	// Recursive descends into subdirectories
	Recursive bool
	// Shuffle randomises the file order before Limit applies
	Shuffle bool
	// Limit caps the number of files loaded; 0 means no limit
	Limit int
	// Concurrency bounds parallel file reads. Default: 4.
	Concurrency int
}

// LoadPath loads the file at path, or the regular files in the directory at
// path, and pushes them into b in order. It returns the number of messages
// pushed.
func LoadPath(ctx context.Context, b *Batch, path string, opts LoadOptions) (int, error) {
	files, err := listFiles(path, opts)
	if err != nil {
		return 0, err
	}

	msgs := make([]*Message, len(files))
	g, ctx := errgroup.WithContext(ctx)
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := Load(file)
			if err != nil {
				return err
			}
			msgs[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for i, m := range msgs {
		if err := b.Push(m); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}

func listFiles(path string, opts LoadOptions) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load path: %w", err)
	}

	slices.Sort(files)
	if opts.Shuffle {
		rand.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })
	}
	if opts.Limit > 0 && len(files) > opts.Limit {
		files = files[:opts.Limit]
	}
	return files, nil
}
