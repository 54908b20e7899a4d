package decoder

import (
	"regexp"
	"strconv"
	"strings"

	"anima-gateway/internal/models"
)

// 两种线上帧格式：
//  (a) 管道分隔键值对:  "I:1|PR:3050|HR:77|T:1"
//  (b) 多行结构化文本块: "Status: Walking\nHR: 77 BPM | Pulse: 3050 | T: 36.5°C\n..."
// 两种格式都不带版本号，必须永久可解码。

var (
	reStatus = regexp.MustCompile(`Status:\s*([A-Za-z_]+)`)
	reHR     = regexp.MustCompile(`HR:\s*(-?\d+)\s*BPM`)
	rePulse  = regexp.MustCompile(`Pulse:\s*(-?\d+)`)
	reTemp   = regexp.MustCompile(`\bT:\s*(-?\d+(?:\.\d+)?)`)
	reGyro   = regexp.MustCompile(`Gyro:\s*X:\s*(-?\d+)\s*Y:\s*(-?\d+)\s*Z:\s*(-?\d+)`)
	reTouch  = regexp.MustCompile(`Touch:\s*(\d+)`)
	reIR     = regexp.MustCompile(`\bIR:\s*(\d+)`)
	reRadar  = regexp.MustCompile(`Radar:\s*(\d+)`)
)

// Decode 将原始帧解码为样本
// 解码永不失败：空帧、残帧、乱码一律退化为（部分）默认样本
func Decode(raw []byte) *models.SensorSample {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return &models.SensorSample{}
	}
	if isBlockFrame(s) {
		return decodeBlock(s)
	}
	return decodePipe(s)
}

// isBlockFrame 块格式的识别标记
// 管道格式是单行纯 K:V 对，不含这些标签
func isBlockFrame(s string) bool {
	if strings.ContainsRune(s, '\n') {
		return true
	}
	return strings.Contains(s, "Status:") ||
		strings.Contains(s, "BPM") ||
		strings.Contains(s, "Gyro:") ||
		strings.Contains(s, "Radar:")
}

// decodePipe 解析管道分隔键值对
// 未知键忽略；值不是整数时该字段保持缺失
func decodePipe(s string) *models.SensorSample {
	sample := &models.SensorSample{}

	for _, part := range strings.Split(s, "|") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		value, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		v := value
		switch key {
		case "I":
			sample.IR = &v
		case "PR":
			sample.PulseRaw = &v
		case "HR":
			sample.HeartRate = &v
		case "T":
			sample.Touch = &v
		}
	}

	return sample
}

// decodeBlock 解析多行结构化文本块
// 每个字段独立匹配，残帧产出部分样本而不是错误
func decodeBlock(s string) *models.SensorSample {
	sample := &models.SensorSample{}

	if m := reStatus.FindStringSubmatch(s); m != nil {
		sample.MotionState = m[1]
	}
	if m := reHR.FindStringSubmatch(s); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			sample.HeartRate = &v
		}
	}
	if m := rePulse.FindStringSubmatch(s); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			sample.PulseRaw = &v
		}
	}
	if m := reTemp.FindStringSubmatch(s); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			sample.SkinTemp = &v
		}
	}
	if m := reGyro.FindStringSubmatch(s); m != nil {
		if x, err := strconv.Atoi(m[1]); err == nil {
			sample.GyroX = &x
		}
		if y, err := strconv.Atoi(m[2]); err == nil {
			sample.GyroY = &y
		}
		if z, err := strconv.Atoi(m[3]); err == nil {
			sample.GyroZ = &z
		}
	}
	if m := reTouch.FindStringSubmatch(s); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			sample.Touch = &v
		}
	}
	if m := reIR.FindStringSubmatch(s); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			sample.IR = &v
		}
	}
	if m := reRadar.FindStringSubmatch(s); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			sample.Radar = &v
		}
	}

	return sample
}
