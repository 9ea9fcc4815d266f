package embedding

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomithril/embeddinglab"
)

type memBlob struct {
	name string
	data []byte
}

func (b memBlob) Name() string { return b.name }
func (b memBlob) Size() int64  { return int64(len(b.data)) }
func (b memBlob) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func TestSelectModelFile(t *testing.T) {
	name, err := SelectModelFile([]string{"model.onnx_data", "model.onnx"})
	require.NoError(t, err)
	assert.Equal(t, "model.onnx", name)

	name, err = SelectModelFile([]string{"b.onnx", "a.ONNX"})
	require.NoError(t, err)
	assert.Equal(t, "a.ONNX", name)

	_, err = SelectModelFile([]string{"weights.bin"})
	assert.Error(t, err)

	_, err = SelectModelFile(nil)
	assert.Error(t, err)
}

func TestStageBlobsCopiesAndReportsProgress(t *testing.T) {
	dir := t.TempDir()
	blobs := []embeddinglab.Blob{
		memBlob{name: "model.onnx_data", data: bytes.Repeat([]byte{1}, 600*1024)},
		memBlob{name: "../model.onnx", data: bytes.Repeat([]byte{2}, 1024)},
	}

	var updates []embeddinglab.Progress
	path, err := stageBlobs(context.Background(), dir, blobs, func(p embeddinglab.Progress) {
		updates = append(updates, p)
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model.onnx"), path)

	data, err := os.ReadFile(filepath.Join(dir, "model.onnx_data"))
	require.NoError(t, err)
	assert.Len(t, data, 600*1024)

	require.NotEmpty(t, updates)
	assert.Equal(t, embeddinglab.Progress{Loaded: 0, Total: 601 * 1024}, updates[0])
	assert.Equal(t, embeddinglab.Progress{Loaded: 601 * 1024, Total: 601 * 1024}, updates[len(updates)-1])
}

func TestStageBlobsRejectsDuplicates(t *testing.T) {
	blobs := []embeddinglab.Blob{
		memBlob{name: "a/model.onnx", data: []byte{1}},
		memBlob{name: "b/model.onnx", data: []byte{2}},
	}
	_, err := stageBlobs(context.Background(), t.TempDir(), blobs, nil)
	assert.ErrorContains(t, err, "duplicate")
}

func TestStageBlobsHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blobs := []embeddinglab.Blob{memBlob{name: "model.onnx", data: []byte{1, 2, 3}}}
	_, err := stageBlobs(ctx, t.TempDir(), blobs, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateOptions(t *testing.T) {
	require.NoError(t, validateOptions(embeddinglab.DefaultLoadOptions()))

	opts := embeddinglab.DefaultLoadOptions()
	opts.Embeddings = false
	assert.ErrorIs(t, validateOptions(opts), ErrNotEmbeddings)

	opts = embeddinglab.DefaultLoadOptions()
	opts.Pooling = "cls"
	assert.ErrorIs(t, validateOptions(opts), ErrUnsupportedPool)

	opts = embeddinglab.DefaultLoadOptions()
	opts.ContextSize = 0
	assert.Error(t, validateOptions(opts))
}

func TestEngineWithoutModel(t *testing.T) {
	e := &Engine{config: DefaultConfig()}

	_, err := e.CreateEmbedding(context.Background(), "hello", embeddinglab.EmbedOptions{SkipBOS: true, SkipEOS: true})
	assert.ErrorIs(t, err, ErrNoModel)
	assert.Equal(t, 0, e.EmbeddingSize())

	err = e.LoadModel(context.Background(), nil, embeddinglab.DefaultLoadOptions())
	assert.Error(t, err)
}

func TestSwapUploadDirRemovesPrevious(t *testing.T) {
	e := &Engine{config: DefaultConfig()}

	first := filepath.Join(t.TempDir(), "upload-1")
	second := filepath.Join(t.TempDir(), "upload-2")
	require.NoError(t, os.MkdirAll(first, 0755))
	require.NoError(t, os.MkdirAll(second, 0755))

	e.swapUploadDir(first)
	e.swapUploadDir(second)
	assert.NoDirExists(t, first)
	assert.DirExists(t, second)

	// A URL load leaves no staged upload behind.
	e.swapUploadDir("")
	assert.NoDirExists(t, second)
	assert.Equal(t, "", e.uploadDir)
}
