package quality

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions locates the model and its tensors.
type ONNXOptions struct {
	// Library is the onnxruntime shared library, empty for the default search path.
	Library string
	Model   string
	Input   string
	Output  string
}

// ONNX scores windows with an onnx model taking a (1, 1, n) float tensor.
// The model returns one quality value per sample; the score is their mean.
type ONNX struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	in      []float32
}

// NewONNX loads the model.
func NewONNX(o ONNXOptions) (*ONNX, error) {
	if o.Library != "" {
		ort.SetSharedLibraryPath(o.Library)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize onnx environment: %w", err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	if err = opts.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set thread count: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(o.Model, []string{o.Input}, []string{o.Output}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", o.Model, err)
	}
	return &ONNX{session: session}, nil
}

// Score runs the model on one window.
func (m *ONNX) Score(window []float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.in = m.in[:0]
	for _, v := range window {
		m.in = append(m.in, float32(v))
	}

	input, err := ort.NewTensor(ort.NewShape(1, 1, int64(len(m.in))), m.in)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, 1)
	if err = m.session.Run([]ort.Value{input}, outputs); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return 0, fmt.Errorf("unexpected output type %T", outputs[0])
	}

	data := out.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("empty model output")
	}

	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	return sum / float64(len(data)), nil
}

// Close releases the model and the onnx environment.
func (m *ONNX) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	if e := ort.DestroyEnvironment(); err == nil {
		err = e
	}
	return err
}
