package onnx

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// ModelIO manages input and output tensors for ONNX models
type ModelIO struct {
	InputTensors  []ort.Value
	OutputTensors []ort.Value
}

// AddInput adds an input tensor to the model configuration
func (io *ModelIO) AddInput(tensor ort.Value) {
	io.InputTensors = append(io.InputTensors, tensor)
}

// AddOutput adds an output tensor to the model configuration
func (io *ModelIO) AddOutput(tensor ort.Value) {
	io.OutputTensors = append(io.OutputTensors, tensor)
}

func (io *ModelIO) Destroy() {
	for _, tensor := range io.InputTensors {
		tensor.Destroy()
	}

	for _, tensor := range io.OutputTensors {
		tensor.Destroy()
	}
}

// PadIDs copies ids into a seqLen-long buffer and builds the matching attention mask.
// Ids past seqLen are dropped.
func PadIDs(ids []int64, seqLen int64) ([]int64, []int64) {
	padded := make([]int64, seqLen)
	mask := make([]int64, seqLen)
	for i := 0; i < int(seqLen) && i < len(ids); i++ {
		padded[i] = ids[i]
		mask[i] = 1
	}
	return padded, mask
}

// NewEmbeddingIO allocates the tensors for a single-sequence embedding run.
func NewEmbeddingIO(ids []int64, seqLen, embedDim int64) (*ModelIO, error) {
	paddedIds, attMask := PadIDs(ids, seqLen)
	io := &ModelIO{}

	inputIdsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), paddedIds)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	io.AddInput(inputIdsTensor)

	attMaskTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), attMask)
	if err != nil {
		io.Destroy()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	io.AddInput(attMaskTensor)

	tokenEmbedsTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, seqLen, embedDim))
	if err != nil {
		io.Destroy()
		return nil, fmt.Errorf("failed to create token_embeddings tensor: %w", err)
	}
	io.AddOutput(tokenEmbedsTensor)

	sentenceEmbedTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, embedDim))
	if err != nil {
		io.Destroy()
		return nil, fmt.Errorf("failed to create sentence_embedding tensor: %w", err)
	}
	io.AddOutput(sentenceEmbedTensor)

	return io, nil
}

// SentenceEmbedding returns a copy of the pooled output, which is always the last output.
func (io *ModelIO) SentenceEmbedding() ([]float32, error) {
	if len(io.OutputTensors) == 0 {
		return nil, fmt.Errorf("model has no outputs")
	}
	tensor, ok := io.OutputTensors[len(io.OutputTensors)-1].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("failed to type assert output tensor to *ort.Tensor[float32]")
	}
	data := tensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}
