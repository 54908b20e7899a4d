package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	mqttcommon "anima-gateway/internal/common/mqtt"
	rediscommon "anima-gateway/internal/common/redis"
	"anima-gateway/internal/config"
	"anima-gateway/internal/models"
)

// Publisher 报警与状态的对外出口
// 报警事件扇出到MQTT主题与Redis Stream，最新体征快照写入Redis缓存
type Publisher struct {
	cfg         config.AlertConfig
	mqttClient  *mqttcommon.Client // 可为nil：未配置MQTT时只走Redis
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewPublisher 创建发布器
func NewPublisher(cfg config.AlertConfig, mqttClient *mqttcommon.Client, redisClient *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{
		cfg:         cfg,
		mqttClient:  mqttClient,
		redisClient: redisClient,
		logger:      logger,
	}
}

// NewEvent 构造报警事件
func NewEvent(eventType string, readingID int64, confidence float64, reason string) models.AlertEvent {
	return models.AlertEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		ReadingID:  readingID,
		Confidence: confidence,
		Reason:     reason,
		Timestamp:  time.Now().Unix(),
	}
}

// PublishAlert 发布报警事件
// 任一出口失败记录并继续：报警扇出失败不能阻断摄取周期
func (p *Publisher) PublishAlert(ctx context.Context, event models.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	var firstErr error

	if p.mqttClient != nil {
		if err := p.mqttClient.Publish(p.cfg.MQTTTopic, 1, false, payload); err != nil {
			p.logger.Error("Failed to publish alert to MQTT",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			firstErr = err
		}
	}

	if p.redisClient != nil {
		if _, err := rediscommon.PublishJSONToStream(ctx, p.redisClient, p.cfg.Stream, event); err != nil {
			p.logger.Error("Failed to publish alert to Redis stream",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	p.logger.Info("Alert published",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Int64("reading_id", event.ReadingID),
		zap.Float64("confidence", event.Confidence),
	)

	return firstErr
}

// CacheSnapshot 缓存最新体征快照
func (p *Publisher) CacheSnapshot(ctx context.Context, snapshot *models.StatusSnapshot) error {
	if p.redisClient == nil {
		return nil
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := p.redisClient.Set(ctx, p.cfg.VitalsCacheKey, data, p.cfg.VitalsCacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot 读取最新体征快照，缓存为空返回nil
func (p *Publisher) LatestSnapshot(ctx context.Context) (*models.StatusSnapshot, error) {
	if p.redisClient == nil {
		return nil, nil
	}

	data, err := p.redisClient.Get(ctx, p.cfg.VitalsCacheKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot cache: %w", err)
	}

	var snapshot models.StatusSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}
