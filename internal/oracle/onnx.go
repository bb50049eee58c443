package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var ortOnce struct {
	sync.Mutex
	done bool
}

// InitializeORT 加载 onnxruntime 动态库；只初始化一次
func InitializeORT(libPath string) error {
	ortOnce.Lock()
	defer ortOnce.Unlock()
	if ortOnce.done {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	ortOnce.done = true
	return nil
}

// ONNXOracle 输入为 [1, len(features)] 的 float32 向量；
// 输出 [1,1] 视为做多概率，[1,2] 视为 (做空, 做多) 概率
type ONNXOracle struct {
	mu       sync.Mutex // 输入输出张量共享
	features []string
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	width    int64
	logger   *zap.Logger
}

// NewONNXOracle features 给出特征在输入向量中的顺序
func NewONNXOracle(modelPath, libPath string, features []string, logger *zap.Logger) (*ONNXOracle, error) {
	if len(features) == 0 {
		return nil, errors.New("ai.features must list the model inputs in order")
	}
	if err := InitializeORT(libPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", modelPath, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("model %s must have one input and at least one output", modelPath)
	}
	width := int64(1)
	if dims := outputs[0].Dimensions; len(dims) > 0 && dims[len(dims)-1] > 0 {
		width = dims[len(dims)-1]
	}
	if width != 1 && width != 2 {
		return nil, fmt.Errorf("model output width %d not supported (want 1 or 2)", width)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(features))), make([]float32, len(features)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, width))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info("ONNX oracle loaded",
		zap.String("Model", modelPath), zap.Strings("Features", features), zap.Int64("OutputWidth", width))
	return &ONNXOracle{
		features: features,
		session:  session,
		input:    inputTensor,
		output:   outputTensor,
		width:    width,
		logger:   logger,
	}, nil
}

// Score 按配置顺序组装特征并推理
func (m *ONNXOracle) Score(_ context.Context, features map[string]float64) (float64, error) {
	vec, err := Vectorize(m.features, features)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.input.GetData(), vec)
	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}
	out := m.output.GetData()
	if m.width == 2 {
		return float64(out[1]), nil
	}
	return float64(out[0]), nil
}

func (m *ONNXOracle) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

// Vectorize 缺少任何特征都视为错误
func Vectorize(order []string, features map[string]float64) ([]float32, error) {
	vec := make([]float32, len(order))
	for i, name := range order {
		v, ok := features[name]
		if !ok {
			return nil, fmt.Errorf("missing feature %q", name)
		}
		vec[i] = float32(v)
	}
	return vec, nil
}
