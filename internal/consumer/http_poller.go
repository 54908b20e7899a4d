package consumer

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"anima-gateway/internal/config"
	"anima-gateway/internal/models"
)

// SensorPayload 传感器桥的JSON回包
// 字段缺失时保持零值，与固件约定一致
type SensorPayload struct {
	HeartRate   int     `json:"heartRate"`
	PulseRaw    int     `json:"pulseRaw"`
	Temperature float64 `json:"temperature"`
	Touch       int     `json:"touch"`
	IRDetected  int     `json:"irDetected"`
	Radar       int     `json:"radar"`
	GyroX       int     `json:"gyroX"`
	GyroY       int     `json:"gyroY"`
	GyroZ       int     `json:"gyroZ"`
	MotionState string  `json:"motionState"`
}

// SampleHandler 轮询拿到的样本出口
type SampleHandler func(sample *models.SensorSample)

// ErrorHandler 轮询失败出口：status 是面向用户的状态串
type ErrorHandler func(status string)

// HTTPPoller 周期性HTTP遥测轮询器
// 拉取周期独立于蓝牙通知推送，两路可并发运行；
// 单次拉取失败只产生一条用户可见状态，下个调度tick重试
type HTTPPoller struct {
	cfg       config.PollerConfig
	client    *resty.Client
	onSample  SampleHandler
	onError   ErrorHandler
	scheduler *cron.Cron
	logger    *zap.Logger
}

// NewHTTPPoller 创建轮询器
func NewHTTPPoller(cfg config.PollerConfig, onSample SampleHandler, onError ErrorHandler, logger *zap.Logger) *HTTPPoller {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &HTTPPoller{
		cfg:      cfg,
		client:   client,
		onSample: onSample,
		onError:  onError,
		logger:   logger,
	}
}

// Start 按cron表达式调度轮询
func (p *HTTPPoller) Start(ctx context.Context) error {
	p.scheduler = cron.New()
	if _, err := p.scheduler.AddFunc(p.cfg.Schedule, func() {
		p.poll(ctx)
	}); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", p.cfg.Schedule, err)
	}
	p.scheduler.Start()

	p.logger.Info("HTTP poller started",
		zap.String("url", p.cfg.URL),
		zap.String("schedule", p.cfg.Schedule),
	)
	return nil
}

// Stop 停止调度，等待进行中的轮询结束
func (p *HTTPPoller) Stop() {
	if p.scheduler != nil {
		<-p.scheduler.Stop().Done()
	}
	p.logger.Info("HTTP poller stopped")
}

// poll 单次拉取：失败不中断调度，只上报状态串
func (p *HTTPPoller) poll(ctx context.Context) {
	var payload SensorPayload
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&payload).
		ForceContentType("application/json").
		Get(p.cfg.URL)

	if err != nil {
		p.logger.Warn("Sensor fetch failed", zap.Error(err))
		p.onError(fmt.Sprintf("Error: Check Server Connection\n%v", err))
		return
	}
	if resp.IsError() {
		p.logger.Warn("Sensor fetch returned error status",
			zap.Int("status_code", resp.StatusCode()),
		)
		p.onError(fmt.Sprintf("Error: Check Server Connection\nHTTP %d", resp.StatusCode()))
		return
	}

	p.onSample(payload.ToSample())
}

// ToSample 回包转为样本，所有字段都视为已上报
func (p *SensorPayload) ToSample() *models.SensorSample {
	hr := p.HeartRate
	pr := p.PulseRaw
	temp := p.Temperature
	touch := p.Touch
	ir := p.IRDetected
	radar := p.Radar
	gx, gy, gz := p.GyroX, p.GyroY, p.GyroZ

	return &models.SensorSample{
		IR:          &ir,
		PulseRaw:    &pr,
		HeartRate:   &hr,
		Touch:       &touch,
		SkinTemp:    &temp,
		GyroX:       &gx,
		GyroY:       &gy,
		GyroZ:       &gz,
		Radar:       &radar,
		MotionState: p.MotionState,
	}
}
