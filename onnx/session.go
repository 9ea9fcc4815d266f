package onnx

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// Names lists the graph inputs and outputs of an embedding export.
type Names struct {
	Inputs  []string
	Outputs []string
}

// DefaultNames matches sentence-transformers style ONNX exports.
var DefaultNames = Names{
	Inputs:  []string{"input_ids", "attention_mask"},
	Outputs: []string{"token_embeddings", "sentence_embedding"},
}

// InitEnvironment points the runtime at its shared library and initializes it once.
func InitEnvironment(sharedLibrary string) error {
	if ort.IsInitialized() {
		return nil
	}
	if sharedLibrary != "" {
		ort.SetSharedLibraryPath(sharedLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to init ONNX env: %w", err)
	}
	return nil
}

// DestroyEnvironment tears down the runtime if it was initialized.
func DestroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// NewSession creates a dynamic session, so tensors are supplied per run.
func NewSession(modelPath string, names Names) (*ort.DynamicAdvancedSession, error) {
	session, err := ort.NewDynamicAdvancedSession(modelPath, names.Inputs, names.Outputs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic session: %w", err)
	}
	return session, nil
}

// OutputDim reads the last dimension of the named output from the model metadata.
// It returns 0 when the dimension is symbolic.
func OutputDim(modelPath, output string) (int64, error) {
	_, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read model io info: %w", err)
	}
	for _, info := range outputs {
		if info.Name != output {
			continue
		}
		if len(info.Dimensions) == 0 {
			return 0, nil
		}
		dim := info.Dimensions[len(info.Dimensions)-1]
		if dim < 0 {
			return 0, nil
		}
		return dim, nil
	}
	return 0, fmt.Errorf("output %q not found in model", output)
}
