package codec

import (
	"fmt"
	"os"

	"github.com/eliben/go-sentencepiece"
)

func NewProcessor(modelPath string) (*sentencepiece.Processor, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("tokenizer path is empty")
	}

	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("tokenizer file not found at %s", modelPath)
	}

	return sentencepiece.NewProcessorFromPath(modelPath)
}

// Codec turns text into token ids for the embedding model.
type Codec struct {
	processor *sentencepiece.Processor
	bos       int64
	eos       int64
}

func NewCodec(modelPath string) (*Codec, error) {
	proc, err := NewProcessor(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load SentencePiece processor: %w", err)
	}

	info := proc.ModelInfo()
	return &Codec{
		processor: proc,
		bos:       int64(info.BeginningOfSentenceID),
		eos:       int64(info.EndOfSentenceID),
	}, nil
}

// Encode tokenizes text, wrapping it in BOS/EOS markers unless skipped.
func (c *Codec) Encode(text string, skipBOS, skipEOS bool) []int64 {
	tokens := c.processor.Encode(text)

	ids := make([]int64, 0, len(tokens)+2)
	if !skipBOS {
		ids = append(ids, c.bos)
	}
	for _, token := range tokens {
		ids = append(ids, int64(token.ID))
	}
	if !skipEOS {
		ids = append(ids, c.eos)
	}
	return ids
}
