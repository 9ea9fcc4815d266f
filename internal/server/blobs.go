package server

import (
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/gomithril/embeddinglab"
)

// uploadBlob exposes a multipart file part as a model blob.
type uploadBlob struct {
	header *multipart.FileHeader
}

func (b uploadBlob) Name() string { return filepath.Base(b.header.Filename) }
func (b uploadBlob) Size() int64  { return b.header.Size }

func (b uploadBlob) Open() (io.ReadCloser, error) {
	return b.header.Open()
}

// acceptUpload matches ext case-insensitively, including suffixed sidecars such as .onnx_data.
func acceptUpload(name, ext string) bool {
	return strings.HasPrefix(strings.ToLower(filepath.Ext(name)), strings.ToLower(ext))
}

func uploadBlobs(headers []*multipart.FileHeader, ext string) []embeddinglab.Blob {
	accepted := lo.Filter(headers, func(h *multipart.FileHeader, _ int) bool {
		if acceptUpload(h.Filename, ext) {
			return true
		}
		log.Warn().Str("file", h.Filename).Str("want", ext).Msg("Skipping upload with unexpected extension")
		return false
	})
	return lo.Map(accepted, func(h *multipart.FileHeader, _ int) embeddinglab.Blob {
		return uploadBlob{header: h}
	})
}
