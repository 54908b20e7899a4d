package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"anima-gateway/internal/alert"
	"anima-gateway/internal/baseline"
	"anima-gateway/internal/ble"
	"anima-gateway/internal/common/database"
	mqttcommon "anima-gateway/internal/common/mqtt"
	rediscommon "anima-gateway/internal/common/redis"
	"anima-gateway/internal/config"
	"anima-gateway/internal/consumer"
	httpapi "anima-gateway/internal/http"
	"anima-gateway/internal/inference"
	"anima-gateway/internal/models"
	"anima-gateway/internal/repository"
)

// GatewayService 网关服务：组装并管理所有组件的生命周期
type GatewayService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	readingsRepo *repository.ReadingsRepository
	publisher    *alert.Publisher
	pipeline     *Pipeline
	linkManager  *ble.Manager
	poller       *consumer.HTTPPoller
	httpServer   *httpapi.Server

	metricsCancel context.CancelFunc
}

// NewGatewayService 创建网关服务
func NewGatewayService(cfg *config.Config, logger *zap.Logger) (*GatewayService, error) {
	// 数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// MQTT：broker不可达时降级运行，报警只走Redis
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT)
	if err != nil {
		logger.Warn("MQTT unavailable, alerts will only reach Redis", zap.Error(err))
		mqttClient = nil
	}

	// Repository
	readingsRepo := repository.NewReadingsRepository(db, logger)
	if err := readingsRepo.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}

	// 基线与推理
	baselineStore := baseline.NewStore(readingsRepo, cfg.Baseline, logger)
	engine := inference.NewEngine(cfg.Inference.ModelPath, logger)

	// 报警出口与管道
	publisher := alert.NewPublisher(cfg.Alert, mqttClient, redisClient, logger)
	pipeline := NewPipeline(readingsRepo, baselineStore, engine, publisher, cfg.Inference, logger)

	s := &GatewayService{
		config:       cfg,
		logger:       logger,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		readingsRepo: readingsRepo,
		publisher:    publisher,
		pipeline:     pipeline,
	}

	// 蓝牙链路
	radio, err := ble.NewTinyGoRadio(cfg.Link.ServiceUUID, cfg.Link.CharUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to init bluetooth radio: %w", err)
	}
	s.linkManager = ble.NewManager(cfg.Link, radio, pipeline.HandleFrame, s.handleLinkState, logger)

	// HTTP轮询
	if cfg.Poller.Enabled {
		s.poller = consumer.NewHTTPPoller(cfg.Poller, s.handlePolledSample, pipeline.SetStatus, logger)
	}

	// HTTP接口
	handler := httpapi.NewHandler(pipeline, readingsRepo, publisher, logger)
	s.httpServer = httpapi.NewServer(cfg.HTTP.Addr, handler, logger)

	return s, nil
}

// Start 启动所有组件
func (s *GatewayService) Start(ctx context.Context) error {
	s.logger.Info("Starting gateway components")

	s.pipeline.Start(ctx)
	s.httpServer.Start()

	if s.poller != nil {
		if err := s.poller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start poller: %w", err)
		}
	}

	// MQTT反馈通道：远程端提交的标签与HTTP反馈走同一条落盘路径
	if s.mqttClient != nil && s.config.Alert.FeedbackTopic != "" {
		if err := s.mqttClient.Subscribe(s.config.Alert.FeedbackTopic, 1, func(_ string, payload []byte) error {
			return s.pipeline.HandleFeedbackPayload(ctx, payload)
		}); err != nil {
			s.logger.Warn("Failed to subscribe to feedback topic",
				zap.String("topic", s.config.Alert.FeedbackTopic),
				zap.Error(err),
			)
		}
	}

	if s.config.Link.AutoScan {
		s.linkManager.StartScan(s.config.Link.ScanTimeout)
	}

	metricsCtx, cancel := context.WithCancel(ctx)
	s.metricsCancel = cancel
	go s.reportMetrics(metricsCtx)

	s.logger.Info("Gateway started")
	return nil
}

// Stop 优雅关闭
func (s *GatewayService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gateway")

	if s.metricsCancel != nil {
		s.metricsCancel()
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	if s.linkManager != nil {
		s.linkManager.Close()
	}
	s.pipeline.Stop()

	if s.httpServer != nil {
		if err := s.httpServer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		rediscommon.Close(s.redisClient)
	}
	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Gateway stopped")
	return nil
}

// handlePolledSample 轮询样本走与通知帧相同的处理路径
func (s *GatewayService) handlePolledSample(sample *models.SensorSample) {
	s.pipeline.ProcessSample(context.Background(), sample)
}

// handleLinkState 链路状态变化：透传给管道，断开后按配置重新扫描
func (s *GatewayService) handleLinkState(state ble.State) {
	s.pipeline.SetLinkState(state.String())
	s.logger.Info("Link state changed", zap.String("state", state.String()))

	if state != ble.StateDisconnected && state != ble.StateError {
		return
	}
	if !s.config.Link.AutoScan || s.config.Link.RescanInterval <= 0 {
		return
	}

	go func() {
		time.Sleep(s.config.Link.RescanInterval)
		s.linkManager.StartScan(s.config.Link.ScanTimeout)
	}()
}

// reportMetrics 定期上报摄取指标
func (s *GatewayService) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycles, failures := s.pipeline.Stats()
			mqttConnected := s.mqttClient != nil && s.mqttClient.IsConnected()
			s.logger.Info("Metrics report",
				zap.Int64("cycles_processed", cycles),
				zap.Int64("cycles_failed", failures),
				zap.String("link_state", s.linkManager.State().String()),
				zap.Bool("mqtt_connected", mqttConnected),
			)
		}
	}
}
