package inference

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"anima-gateway/internal/models"
)

// Model 学习模型：逻辑回归权重，输入固定5元向量
// [HR, HRV, Temp, BaselineHR, BaselineHRV] → 压力概率 [0,1]
type Model struct {
	Weights [5]float64 `json:"weights"`
	Bias    float64    `json:"bias"`
}

// LoadModel 从JSON权重文件加载模型
// 文件不存在不是错误路径上的特殊情况：调用方按"未配置模型"处理
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Weights []float64 `json:"weights"`
		Bias    float64   `json:"bias"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model file %s: %w", path, err)
	}
	if len(raw.Weights) != 5 {
		return nil, fmt.Errorf("model file %s: expected 5 weights, got %d", path, len(raw.Weights))
	}

	m := &Model{Bias: raw.Bias}
	copy(m.Weights[:], raw.Weights)
	return m, nil
}

// Score 5元特征向量 → 压力概率
func (m *Model) Score(features [5]float64) (float64, error) {
	z := m.Bias
	for i, w := range m.Weights {
		z += w * features[i]
	}

	p := 1.0 / (1.0 + math.Exp(-z))
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("model produced invalid probability for input %v", features)
	}
	return p, nil
}

// ModelStrategy 学习模型分类策略（第一层）
type ModelStrategy struct {
	model *Model
}

func (s *ModelStrategy) Name() string { return "ml-model" }

// Classify 模型输出即权威结果：概率>0.5判定为压力，置信度就是概率本身
func (s *ModelStrategy) Classify(v models.Vitals, b models.Baseline) (models.PredictionResult, error) {
	p, err := s.model.Score([5]float64{v.HeartRate, v.HRV, v.SkinTemp, b.HeartRate, b.HRV})
	if err != nil {
		return models.PredictionResult{}, err
	}

	result := models.PredictionResult{
		IsStress:   p > 0.5,
		Confidence: p,
	}
	if result.IsStress {
		result.Reason = "ML Detected Pattern"
	}
	return result, nil
}
