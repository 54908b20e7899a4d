package inference

import (
	"strings"

	"anima-gateway/internal/models"
)

// 规则层阈值与权重
// 各因素独立判定，权重累加后在1.0封顶；HRV下降是最强单一信号
const (
	tachycardiaThreshold = 100.0 // 严格大于
	hrvDropRatio         = 0.75  // 低于基线HRV的75%
	tempDropThreshold    = 34.0  // 严格小于，血管收缩检查
	elevatedHRMargin     = 15.0  // 相对个人基线的抬升

	weightTachycardia = 0.4
	weightHRVDrop     = 0.5
	weightTempDrop    = 0.2
	weightElevatedHR  = 0.3

	stressCutoff = 0.5
)

// RuleStrategy 确定性规则分类策略（兜底层，永不失败）
type RuleStrategy struct{}

func (s *RuleStrategy) Name() string { return "rule-based" }

// Classify 逐因素打分
// 阈值语义与声明一致：HR>100 与 HR>基线+15 取严格大于，HRV与温度取严格小于
func (s *RuleStrategy) Classify(v models.Vitals, b models.Baseline) (models.PredictionResult, error) {
	var score float64
	var reasons []string

	if v.HeartRate > tachycardiaThreshold {
		score += weightTachycardia
		reasons = append(reasons, "High Heart Rate")
	}
	if v.HRV > 0 && v.HRV < b.HRV*hrvDropRatio {
		score += weightHRVDrop
		reasons = append(reasons, "Low HRV")
	}
	if v.SkinTemp < tempDropThreshold {
		score += weightTempDrop
		reasons = append(reasons, "Skin Temp Drop")
	}
	if v.HeartRate > b.HeartRate+elevatedHRMargin {
		score += weightElevatedHR
		reasons = append(reasons, "Elevated vs Baseline")
	}

	if score > 1.0 {
		score = 1.0
	}

	return models.PredictionResult{
		IsStress:   score >= stressCutoff,
		Confidence: score,
		Reason:     strings.Join(reasons, ", "),
	}, nil
}
