package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"anima-gateway/internal/alert"
	"anima-gateway/internal/baseline"
	"anima-gateway/internal/config"
	"anima-gateway/internal/decoder"
	"anima-gateway/internal/inference"
	"anima-gateway/internal/models"
)

// ReadingsStore 管道依赖的持久化操作
type ReadingsStore interface {
	InsertReading(ctx context.Context, reading *models.Reading) (int64, error)
	UpdateUserLabel(ctx context.Context, id int64, accurate bool) error
}

// AlertSink 管道依赖的报警/快照出口
type AlertSink interface {
	PublishAlert(ctx context.Context, event models.AlertEvent) error
	CacheSnapshot(ctx context.Context, snapshot *models.StatusSnapshot) error
}

// Pipeline 摄取管道
// 一个周期：解码样本 → 取基线 → 推理 → 报警优先级 → 持久化 → 快照缓存。
// 链路通知走队列按到达顺序解码处理，不阻塞后续事件投递；
// HTTP轮询产生的样本与通知样本共用同一处理路径，可并发。
type Pipeline struct {
	store    ReadingsStore
	baseline *baseline.Store
	engine   *inference.Engine
	sink     AlertSink
	cfg      config.InferenceConfig
	logger   *zap.Logger

	frames chan []byte

	mu          sync.Mutex
	lastStatus  string
	linkState   string
	pendingID   int64 // 等待用户反馈的读数ID，-1表示无
	cycleCount  int64
	failCount   int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPipeline 创建摄取管道
func NewPipeline(
	store ReadingsStore,
	baselineStore *baseline.Store,
	engine *inference.Engine,
	sink AlertSink,
	cfg config.InferenceConfig,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		store:      store,
		baseline:   baselineStore,
		engine:     engine,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		frames:     make(chan []byte, 64),
		lastStatus: "Waiting for sensor data...",
		pendingID:  -1,
	}
}

// Start 启动帧处理工作协程
func (p *Pipeline) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.run(workerCtx)
}

// Stop 停止工作协程
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// run 按到达顺序消费帧，无重排缓冲
func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.frames:
			sample := decoder.Decode(frame)
			p.ProcessSample(ctx, sample)
		}
	}
}

// HandleFrame 链路层的帧入口：入队后立即返回，不阻塞通知投递
// 队列满时丢弃最旧语义换不得，按规约丢弃当前帧并记录
func (p *Pipeline) HandleFrame(frame []byte) {
	select {
	case p.frames <- frame:
	default:
		p.logger.Warn("Frame queue full, dropping frame",
			zap.Int("frame_size", len(frame)),
		)
	}
}

// SetLinkState 记录链路状态（状态接口展示用）
func (p *Pipeline) SetLinkState(state string) {
	p.mu.Lock()
	p.linkState = state
	p.mu.Unlock()
}

// SetStatus 覆盖用户可见状态串（轮询失败路径）
func (p *Pipeline) SetStatus(status string) {
	p.mu.Lock()
	p.lastStatus = status
	p.mu.Unlock()
}

// Status 当前用户可见状态串
func (p *Pipeline) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStatus
}

// PendingFeedbackID 等待用户反馈的读数ID，-1表示无
func (p *Pipeline) PendingFeedbackID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingID
}

// SubmitFeedback 落盘用户反馈标签（幂等），命中挂起项则清除
func (p *Pipeline) SubmitFeedback(ctx context.Context, readingID int64, accurate bool) error {
	if err := p.store.UpdateUserLabel(ctx, readingID, accurate); err != nil {
		return err
	}

	p.mu.Lock()
	if p.pendingID == readingID {
		p.pendingID = -1
	}
	p.mu.Unlock()

	p.logger.Info("User feedback saved",
		zap.Int64("reading_id", readingID),
		zap.Bool("accurate", accurate),
	)
	return nil
}

// feedbackMessage MQTT反馈主题的载荷
type feedbackMessage struct {
	ReadingID *int64 `json:"reading_id"`
	Accurate  *bool  `json:"accurate"`
}

// HandleFeedbackPayload 远程反馈入口：与HTTP反馈共用同一条落盘路径
func (p *Pipeline) HandleFeedbackPayload(ctx context.Context, payload []byte) error {
	var msg feedbackMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid feedback payload: %w", err)
	}
	if msg.ReadingID == nil || msg.Accurate == nil {
		return fmt.Errorf("feedback payload missing reading_id or accurate")
	}
	return p.SubmitFeedback(ctx, *msg.ReadingID, *msg.Accurate)
}

// ProcessSample 执行一个完整摄取周期
func (p *Pipeline) ProcessSample(ctx context.Context, sample *models.SensorSample) {
	p.mu.Lock()
	p.cycleCount++
	p.mu.Unlock()

	b := p.baseline.Get(ctx)
	vitals := models.VitalsFromSample(sample)
	prediction := p.engine.Classify(vitals, b)

	// 报警优先级：设备明确上报的跌倒优先于压力分类；
	// 两者同时为真时只报跌倒，并抑制压力反馈请求（跌倒无需用户评估准确性）
	isFall := sample.IsFall()
	isHighStress := prediction.IsStress &&
		prediction.Confidence > p.cfg.FeedbackConfidence &&
		!isFall

	anomalyScore := 0.0
	if isFall {
		anomalyScore = 1.0
	} else if prediction.IsStress {
		anomalyScore = 0.8
	}

	reading := p.buildReading(sample, vitals, prediction, anomalyScore)

	readingID, err := p.store.InsertReading(ctx, reading)
	if err != nil {
		// 失败的周期不产生新读数，下一帧/下一tick重来
		p.mu.Lock()
		p.failCount++
		p.mu.Unlock()
		p.logger.Error("Failed to persist reading", zap.Error(err))
		p.SetStatus("Error: failed to persist reading")
		return
	}

	if isFall || isHighStress {
		eventType := "Stress"
		if isFall {
			eventType = "Fall"
		}
		event := alert.NewEvent(eventType, readingID, prediction.Confidence, prediction.Reason)
		if err := p.sink.PublishAlert(ctx, event); err != nil {
			p.logger.Error("Failed to publish alert", zap.Error(err))
		}

		// 记录刚持久化的读数ID，用户稍后的反馈精确落到这条记录
		if isHighStress {
			p.mu.Lock()
			p.pendingID = readingID
			p.mu.Unlock()
		}
	}

	status := decoder.FormatBlock(sample)
	p.mu.Lock()
	p.lastStatus = status
	linkState := p.linkState
	p.mu.Unlock()

	snapshot := &models.StatusSnapshot{
		Status:     status,
		Sample:     sample,
		Prediction: &prediction,
		Baseline:   b,
		LinkState:  linkState,
		Timestamp:  time.Now().Unix(),
	}
	if err := p.sink.CacheSnapshot(ctx, snapshot); err != nil {
		p.logger.Warn("Failed to cache snapshot", zap.Error(err))
	}

	p.logger.Debug("Ingestion cycle complete",
		zap.Int64("reading_id", readingID),
		zap.Bool("is_stress", prediction.IsStress),
		zap.Float64("confidence", prediction.Confidence),
		zap.Bool("is_fall", isFall),
	)
}

// buildReading 组装持久化记录
// HRV字段当前恒为0：脉搏传感器尚不产出HRV，与推理输入保持一致
func (p *Pipeline) buildReading(sample *models.SensorSample, vitals models.Vitals, prediction models.PredictionResult, anomalyScore float64) *models.Reading {
	hrv := vitals.HRV
	stress := prediction.Confidence

	reading := &models.Reading{
		Timestamp:    time.Now(),
		HRV:          &hrv,
		StressLevel:  &stress,
		AnomalyScore: anomalyScore,
	}

	if sample.HeartRate != nil {
		hr := float64(*sample.HeartRate)
		reading.HeartRate = &hr
	}
	if sample.SkinTemp != nil {
		temp := *sample.SkinTemp
		reading.SkinTemperature = &temp
	}
	if sample.MotionActive() {
		reading.MotionActivity = 1
	}

	return reading
}

// Stats 周期计数（指标上报用）
func (p *Pipeline) Stats() (cycles, failures int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycleCount, p.failCount
}
