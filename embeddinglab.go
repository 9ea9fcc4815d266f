package embeddinglab

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// Version of the library
const Version = "v0.1.0"

// DefaultModelURL points at the quantized EmbeddingGemma export used when nothing else is configured.
const DefaultModelURL = "https://huggingface.co/onnx-community/embeddinggemma-300m-ONNX/resolve/main/onnx/model_quantized.onnx"

// DefaultContextSize is the sequence length requested on every load.
const DefaultContextSize = 2048

// PoolingType selects how per-token vectors are reduced to one vector.
type PoolingType string

const (
	PoolingMean PoolingType = "mean"
)

// Progress reports bytes moved during a model load. Total is zero when unknown.
type Progress struct {
	Loaded int64
	Total  int64
}

// ProgressFunc receives load progress. It may be called at any frequency.
type ProgressFunc func(Progress)

// LoadOptions is the fixed configuration sent to the runtime on every model load.
type LoadOptions struct {
	Embeddings  bool
	ContextSize int
	Pooling     PoolingType
	OnProgress  ProgressFunc
}

// DefaultLoadOptions returns the embeddings-mode configuration with mean pooling.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		Embeddings:  true,
		ContextSize: DefaultContextSize,
		Pooling:     PoolingMean,
	}
}

// EmbedOptions controls sequence markers around the tokenized input.
type EmbedOptions struct {
	SkipBOS bool
	SkipEOS bool
}

// Blob is one named chunk of model bytes, e.g. an uploaded file or a shard.
type Blob interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// Runtime is the inference engine the rest of the module talks to.
type Runtime interface {
	LoadModelFromURL(ctx context.Context, url string, opts LoadOptions) error
	LoadModel(ctx context.Context, blobs []Blob, opts LoadOptions) error
	CreateEmbedding(ctx context.Context, text string, opts EmbedOptions) ([]float32, error)
}

// EmbeddingSizer is implemented by runtimes that can report their vector dimension.
type EmbeddingSizer interface {
	EmbeddingSize() int
}

// Releaser is implemented by runtimes holding resources that must be freed.
type Releaser interface {
	Release() error
}

// Factory constructs a new runtime instance.
type Factory func(ctx context.Context) (Runtime, error)

type fileBlob struct {
	path string
	size int64
}

// FileBlob returns a Blob backed by a file on disk.
func FileBlob(path string) (Blob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &fileBlob{path: path, size: info.Size()}, nil
}

func (b *fileBlob) Name() string                 { return filepath.Base(b.path) }
func (b *fileBlob) Size() int64                  { return b.size }
func (b *fileBlob) Open() (io.ReadCloser, error) { return os.Open(b.path) }
