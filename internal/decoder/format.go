package decoder

import (
	"fmt"

	"anima-gateway/internal/models"
)

// FormatBlock 将样本渲染为多行结构化文本块（仪表盘状态串）
// 输出与 decodeBlock 接受的格式互逆，缺失字段按0/Unknown渲染
func FormatBlock(s *models.SensorSample) string {
	status := s.MotionState
	if status == "" {
		status = "Unknown"
	}

	return fmt.Sprintf(
		"Status: %s\nHR: %d BPM | Pulse: %d | T: %.1f°C\nGyro: X:%d Y:%d Z:%d\nTouch: %d | IR: %d | Radar: %d",
		status,
		intOrZero(s.HeartRate),
		intOrZero(s.PulseRaw),
		floatOrZero(s.SkinTemp),
		intOrZero(s.GyroX),
		intOrZero(s.GyroY),
		intOrZero(s.GyroZ),
		intOrZero(s.Touch),
		intOrZero(s.IR),
		intOrZero(s.Radar),
	)
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
