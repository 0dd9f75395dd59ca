package ml

import (
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

func defaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	}
	return "/usr/lib/libonnxruntime.so"
}

// initializeRuntime loads the shared library once per process.
func initializeRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			libPath = defaultLibraryPath()
		}
		ort.SetSharedLibraryPath(libPath)
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXScorer runs a binary classifier with a [1, 4] float input named
// "input" and a [1, 1] probability output named "output".
type ONNXScorer struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXScorer loads the model.
func NewONNXScorer(modelPath, libPath string) (*ONNXScorer, error) {
	if err := initializeRuntime(libPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(FeatureNames))), make([]float32, len(FeatureNames)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &ONNXScorer{session: session, input: inputTensor, output: outputTensor}, nil
}

func (s *ONNXScorer) Name() string { return "onnx" }

// Score runs one inference. The tensors are shared, so calls serialise.
func (s *ONNXScorer) Score(f Features) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return NeutralScore, fmt.Errorf("model closed")
	}
	copy(s.input.GetData(), f.Vector())
	if err := s.session.Run(); err != nil {
		return NeutralScore, fmt.Errorf("inference failed: %w", err)
	}
	return clamp01(float64(s.output.GetData()[0])), nil
}

// Close releases the session and tensors.
func (s *ONNXScorer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}
