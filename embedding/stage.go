package embedding

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gomithril/embeddinglab"
)

// SelectModelFile picks the graph file out of a set of uploaded names.
// The first .onnx name in lexical order wins; the rest are external-data shards.
func SelectModelFile(names []string) (string, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, name := range sorted {
		if strings.EqualFold(filepath.Ext(name), ".onnx") {
			return name, nil
		}
	}
	return "", fmt.Errorf("no .onnx file among %d uploaded files", len(names))
}

// stageBlobs copies blobs into dir, reporting cumulative bytes, and returns the model file path.
func stageBlobs(ctx context.Context, dir string, blobs []embeddinglab.Blob, onProgress embeddinglab.ProgressFunc) (string, error) {
	var total int64
	names := make([]string, 0, len(blobs))
	seen := make(map[string]bool, len(blobs))
	for _, b := range blobs {
		name := filepath.Base(b.Name())
		if name == "." || name == string(filepath.Separator) || name == "" {
			return "", fmt.Errorf("invalid file name %q", b.Name())
		}
		if seen[name] {
			return "", fmt.Errorf("duplicate file name %q", name)
		}
		seen[name] = true
		names = append(names, name)
		total += b.Size()
	}

	modelName, err := SelectModelFile(names)
	if err != nil {
		return "", err
	}

	var copied int64
	progress := func(n int64) {
		copied += n
		if onProgress != nil {
			onProgress(embeddinglab.Progress{Loaded: copied, Total: total})
		}
	}
	progress(0)

	for i, b := range blobs {
		if err := copyBlob(ctx, filepath.Join(dir, names[i]), b, progress); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, modelName), nil
}

func copyBlob(ctx context.Context, dest string, b embeddinglab.Blob, progress func(int64)) error {
	src, err := b.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", b.Name(), err)
	}
	defer src.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer f.Close()

	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write failed: %w", werr)
			}
			progress(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read %s: %w", b.Name(), rerr)
		}
	}
	return f.Close()
}
