package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/gomithril/embeddinglab"
	"github.com/gomithril/embeddinglab/codec"
	"github.com/gomithril/embeddinglab/fetch"
	"github.com/gomithril/embeddinglab/onnx"
)

var (
	ErrNoModel         = errors.New("no model loaded")
	ErrEmptyInput      = errors.New("input produced no tokens")
	ErrNotEmbeddings   = errors.New("model must be loaded in embeddings mode")
	ErrUnsupportedPool = errors.New("unsupported pooling type")
)

// Assets are the native pieces the engine needs before any model is loaded.
type Assets struct {
	SharedLibrary string
}

// Config holds embedding engine configuration
type Config struct {
	Assets        Assets
	TokenizerPath string
	CacheDir      string
	StallTimeout  time.Duration
	EmbedDim      int64
	Names         onnx.Names
}

// DefaultConfig returns default embedding configuration
func DefaultConfig() *Config {
	return &Config{
		TokenizerPath: "models/tokenizer.model",
		CacheDir:      filepath.Join(os.TempDir(), "embeddinglab"),
		StallTimeout:  2 * time.Minute,
		EmbedDim:      768,
		Names:         onnx.DefaultNames,
	}
}

// Engine runs an ONNX embedding export behind the embeddinglab.Runtime contract.
type Engine struct {
	config  *Config
	fetcher *fetch.Downloader

	mu        sync.Mutex
	codec     *codec.Codec
	session   *ort.DynamicAdvancedSession
	seqLen    int64
	embedDim  int64
	uploadDir string
}

// NewEngine initializes the ONNX environment and returns an engine with no model.
func NewEngine(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Names.Inputs) == 0 {
		config.Names = onnx.DefaultNames
	}

	if err := onnx.InitEnvironment(config.Assets.SharedLibrary); err != nil {
		return nil, err
	}

	var opts []fetch.Option
	if config.StallTimeout > 0 {
		opts = append(opts, fetch.WithStallTimeout(config.StallTimeout))
	}

	return &Engine{
		config:  config,
		fetcher: fetch.NewDownloader(config.CacheDir, opts...),
	}, nil
}

// NewFactory returns a constructor bound to config.
func NewFactory(config *Config) embeddinglab.Factory {
	return func(ctx context.Context) (embeddinglab.Runtime, error) {
		return NewEngine(config)
	}
}

func validateOptions(opts embeddinglab.LoadOptions) error {
	if !opts.Embeddings {
		return ErrNotEmbeddings
	}
	if opts.Pooling != embeddinglab.PoolingMean {
		return fmt.Errorf("%w: %q", ErrUnsupportedPool, opts.Pooling)
	}
	if opts.ContextSize <= 0 {
		return fmt.Errorf("context size must be positive, got %d", opts.ContextSize)
	}
	return nil
}

func (e *Engine) LoadModelFromURL(ctx context.Context, url string, opts embeddinglab.LoadOptions) error {
	if err := validateOptions(opts); err != nil {
		return err
	}

	path, err := e.fetcher.Fetch(ctx, url, opts.OnProgress)
	if err != nil {
		return err
	}
	if err := e.open(path, opts); err != nil {
		return err
	}
	e.swapUploadDir("")
	return nil
}

func (e *Engine) LoadModel(ctx context.Context, blobs []embeddinglab.Blob, opts embeddinglab.LoadOptions) error {
	if err := validateOptions(opts); err != nil {
		return err
	}
	if len(blobs) == 0 {
		return fmt.Errorf("no model files given")
	}

	dir, err := os.MkdirTemp("", "embeddinglab-upload-")
	if err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}

	path, err := stageBlobs(ctx, dir, blobs, opts.OnProgress)
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	if err := fetch.VerifyModelFile(path); err != nil {
		os.RemoveAll(dir)
		return err
	}
	if err := e.open(path, opts); err != nil {
		os.RemoveAll(dir)
		return err
	}

	e.swapUploadDir(dir)
	return nil
}

// swapUploadDir records the staging dir backing the open model and removes the previous one.
func (e *Engine) swapUploadDir(dir string) {
	e.mu.Lock()
	prev := e.uploadDir
	e.uploadDir = dir
	e.mu.Unlock()

	if prev != "" && prev != dir {
		if err := os.RemoveAll(prev); err != nil {
			log.Warn().Err(err).Str("dir", prev).Msg("Failed to remove staged upload")
		}
	}
}

func (e *Engine) open(modelPath string, opts embeddinglab.LoadOptions) error {
	e.mu.Lock()
	tok := e.codec
	e.mu.Unlock()

	if tok == nil {
		c, err := codec.NewCodec(e.config.TokenizerPath)
		if err != nil {
			return err
		}
		tok = c
	}

	session, err := onnx.NewSession(modelPath, e.config.Names)
	if err != nil {
		return err
	}

	dim := e.config.EmbedDim
	if d, err := onnx.OutputDim(modelPath, e.config.Names.Outputs[len(e.config.Names.Outputs)-1]); err != nil {
		log.Warn().Err(err).Msg("Could not read embedding size from model, using configured value")
	} else if d > 0 {
		dim = d
	}

	e.mu.Lock()
	old := e.session
	e.codec = tok
	e.session = session
	e.seqLen = int64(opts.ContextSize)
	e.embedDim = dim
	e.mu.Unlock()

	if old != nil {
		old.Destroy()
	}

	log.Info().Str("model", filepath.Base(modelPath)).Int64("dim", dim).Int64("seq_len", int64(opts.ContextSize)).Msg("Model ready")
	return nil
}

// CreateEmbedding tokenizes text and returns the pooled sentence embedding.
func (e *Engine) CreateEmbedding(ctx context.Context, text string, opts embeddinglab.EmbedOptions) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.codec == nil {
		return nil, ErrNoModel
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := e.codec.Encode(text, opts.SkipBOS, opts.SkipEOS)
	if len(ids) == 0 {
		return nil, ErrEmptyInput
	}
	if int64(len(ids)) > e.seqLen {
		log.Debug().Int("tokens", len(ids)).Int64("seq_len", e.seqLen).Msg("Truncating input to context size")
	}

	io, err := onnx.NewEmbeddingIO(ids, e.seqLen, e.embedDim)
	if err != nil {
		return nil, err
	}
	defer io.Destroy()

	if err := e.session.Run(io.InputTensors, io.OutputTensors); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return io.SentenceEmbedding()
}

// EmbeddingSize reports the dimension of the loaded model, or 0 before a load.
func (e *Engine) EmbeddingSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return 0
	}
	return int(e.embedDim)
}

// Release frees the session, staged uploads and the ONNX environment.
func (e *Engine) Release() error {
	e.mu.Lock()
	session := e.session
	dir := e.uploadDir
	e.session = nil
	e.codec = nil
	e.uploadDir = ""
	e.mu.Unlock()

	var errs []error
	if session != nil {
		if err := session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if err := onnx.DestroyEnvironment(); err != nil {
		errs = append(errs, fmt.Errorf("failed to destroy ONNX env: %w", err))
	}
	return errors.Join(errs...)
}
