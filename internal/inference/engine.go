package inference

import (
	"go.uber.org/zap"

	"anima-gateway/internal/models"
)

// Strategy 分类策略接口，学习模型和规则层各实现一个
type Strategy interface {
	Name() string
	Classify(v models.Vitals, b models.Baseline) (models.PredictionResult, error)
}

// Engine 两层推理引擎：按严格优先级逐层尝试，前一层失败则落到下一层
// 规则层永不失败，因此引擎整体推理失败不是合法结果
type Engine struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewEngine 创建推理引擎
// modelPath 指向学习模型权重文件；文件缺失是正常的启动状态，只走规则层
func NewEngine(modelPath string, logger *zap.Logger) *Engine {
	strategies := make([]Strategy, 0, 2)

	if model, err := LoadModel(modelPath); err != nil {
		logger.Warn("ML model not found, using rule-based fallback only",
			zap.String("model_path", modelPath),
			zap.Error(err),
		)
	} else {
		logger.Info("ML model loaded",
			zap.String("model_path", modelPath),
		)
		strategies = append(strategies, &ModelStrategy{model: model})
	}

	strategies = append(strategies, &RuleStrategy{})

	return &Engine{
		strategies: strategies,
		logger:     logger,
	}
}

// NewEngineWithStrategies 按给定优先级组装引擎（测试用）
func NewEngineWithStrategies(logger *zap.Logger, strategies ...Strategy) *Engine {
	return &Engine{
		strategies: strategies,
		logger:     logger,
	}
}

// Classify 对当前生命体征做一次分类
// 学习层成功则其输出即权威结果；任何推理失败只降级，不向外传播
func (e *Engine) Classify(v models.Vitals, b models.Baseline) models.PredictionResult {
	for _, s := range e.strategies {
		result, err := s.Classify(v, b)
		if err != nil {
			e.logger.Warn("Inference strategy failed, falling through",
				zap.String("strategy", s.Name()),
				zap.Error(err),
			)
			continue
		}
		return result
	}

	// 不可达：规则层不会返回错误。留作最后防线
	return models.PredictionResult{}
}
