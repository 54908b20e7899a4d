package models

import (
	"strings"
	"time"
)

// SensorSample 解码后的单帧生理读数
// 所有数值字段均为可选：nil 表示该帧未上报，而不是0
type SensorSample struct {
	IR        *int     `json:"ir,omitempty"`        // 红外接触 1/0
	PulseRaw  *int     `json:"pulse_raw,omitempty"` // 脉搏传感器模拟原始值
	HeartRate *int     `json:"heart_rate,omitempty"` // 计算心率 BPM
	Touch     *int     `json:"touch,omitempty"`     // 触摸 1/0

	// 富帧格式的扩展字段
	SkinTemp    *float64 `json:"skin_temp,omitempty"` // 皮肤温度 °C
	GyroX       *int     `json:"gyro_x,omitempty"`
	GyroY       *int     `json:"gyro_y,omitempty"`
	GyroZ       *int     `json:"gyro_z,omitempty"`
	Radar       *int     `json:"radar,omitempty"`
	MotionState string   `json:"motion_state,omitempty"` // 自由文本活动标签，如 "Walking"
}

// IsFall 设备是否明确上报跌倒
func (s *SensorSample) IsFall() bool {
	return strings.Contains(strings.ToLower(s.MotionState), "fall")
}

// MotionActive 是否处于活动状态（雷达有人或活动标签为运动）
func (s *SensorSample) MotionActive() bool {
	if s.Radar != nil && *s.Radar == 1 {
		return true
	}
	return s.MotionState == "Walking" || s.MotionState == "Running"
}

// Vitals 推理输入的生命体征（缺失字段取零值）
type Vitals struct {
	HeartRate float64
	HRV       float64
	SkinTemp  float64
}

// VitalsFromSample 从样本提取生命体征
// 脉搏传感器暂不产出HRV，缺失时保持0，由规则层的 HRV>0 守卫跳过
func VitalsFromSample(s *SensorSample) Vitals {
	v := Vitals{}
	if s.HeartRate != nil {
		v.HeartRate = float64(*s.HeartRate)
	}
	if s.SkinTemp != nil {
		v.SkinTemp = *s.SkinTemp
	}
	return v
}

// Baseline 用户个人参考值，由基线存储按需重算，不可原地修改
type Baseline struct {
	HeartRate float64 `json:"heart_rate"`
	HRV       float64 `json:"hrv"`
}

// PredictionResult 单次推理的分类结果，每次调用生成新值
type PredictionResult struct {
	IsStress   bool    `json:"is_stress"`
	Confidence float64 `json:"confidence"` // [0.0, 1.0]
	Reason     string  `json:"reason,omitempty"` // 触发因素列表，逗号分隔；空串表示无
}

// Reading 一次摄取周期的持久化记录
// 创建后不可变，唯一的后写字段是用户反馈标签 UserLabel
type Reading struct {
	ID              int64      `json:"id"`
	Timestamp       time.Time  `json:"timestamp"`
	HeartRate       *float64   `json:"heart_rate,omitempty"`
	HRV             *float64   `json:"hrv,omitempty"`
	EDA             *float64   `json:"eda,omitempty"`
	SkinTemperature *float64   `json:"skin_temperature,omitempty"`
	PupilDiameter   *float64   `json:"pupil_diameter,omitempty"`
	BlinkRate       *float64   `json:"blink_rate,omitempty"`
	MotionActivity  int        `json:"motion_activity"` // 1=活动 0=静止
	StressLevel     *float64   `json:"stress_level,omitempty"`
	AnomalyScore    float64    `json:"anomaly_score"` // 1.0=跌倒，0.8=压力分类，否则0.0
	UserLabel       *bool      `json:"user_label,omitempty"` // 用户反馈：分类是否准确
}

// StatusSnapshot 最近一次摄取周期的快照（Redis缓存，供状态接口读取）
type StatusSnapshot struct {
	Status     string            `json:"status"` // 面向用户的多行状态串
	Sample     *SensorSample     `json:"sample,omitempty"`
	Prediction *PredictionResult `json:"prediction,omitempty"`
	Baseline   Baseline          `json:"baseline"`
	LinkState  string            `json:"link_state"`
	Timestamp  int64             `json:"timestamp"` // Unix秒
}

// AlertEvent 报警事件（发布到MQTT与Redis Stream）
type AlertEvent struct {
	EventID    string  `json:"event_id"`
	EventType  string  `json:"event_type"` // "Fall" 或 "Stress"
	ReadingID  int64   `json:"reading_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Timestamp  int64   `json:"timestamp"` // Unix秒
}
