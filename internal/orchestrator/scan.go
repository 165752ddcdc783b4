package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// RawExt is the extension of raw echosounder files, matched case-insensitively.
const RawExt = ".raw"

// FindRawFiles walks dir and returns the raw files under it in lexical order.
// Hidden files and directories are skipped.
func FindRawFiles(dir string) ([]string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve %s: %w", dir, err)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(d.Name()), RawExt) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: scan %s: %w", dir, err)
	}
	return files, nil
}

// ScanDirectory processes every raw file under dir, up to ScanConcurrency at
// a time. Results are in file order. When ctx is cancelled no further files
// are started and the results of the files already started are returned
// together with ctx.Err().
func (o *Orchestrator) ScanDirectory(ctx context.Context, dir string) ([]Result, error) {
	files, err := FindRawFiles(dir)
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "orchestrator: scanning directory",
		"dir", dir, "files", len(files), "concurrency", o.scanConcurrency)

	results := make([]Result, len(files))
	var g errgroup.Group
	g.SetLimit(o.scanConcurrency)

	started := 0
	for i, f := range files {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = o.ProcessFile(ctx, f)
			return nil
		})
		started = i + 1
	}
	_ = g.Wait()
	return results[:started], ctx.Err()
}
