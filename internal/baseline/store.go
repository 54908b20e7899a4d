package baseline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"anima-gateway/internal/config"
	"anima-gateway/internal/models"
)

// HistorySource 基线计算依赖的历史读数查询
type HistorySource interface {
	AverageHRVSince(ctx context.Context, since time.Time) (*float64, error)
	AverageHRSince(ctx context.Context, since time.Time) (*float64, error)
}

// Store 个人生理基线存储
// 基线从持久化读数日志按需重算，不原地修改；历史为空时取配置的默认常量
// 读多写少，多个摄取周期可并发调用 Get
type Store struct {
	source HistorySource
	cfg    config.BaselineConfig
	logger *zap.Logger

	mu          sync.RWMutex
	cached      *models.Baseline
	refreshedAt time.Time
	cacheTTL    time.Duration
}

// NewStore 创建基线存储
func NewStore(source HistorySource, cfg config.BaselineConfig, logger *zap.Logger) *Store {
	return &Store{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		cacheTTL: time.Minute,
	}
}

// Get 获取当前基线，短暂缓存以免每帧都打数据库
func (s *Store) Get(ctx context.Context) models.Baseline {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.refreshedAt) < s.cacheTTL {
		b := *s.cached
		s.mu.RUnlock()
		return b
	}
	s.mu.RUnlock()

	return s.Refresh(ctx)
}

// Refresh 强制重算基线
// 查询失败退化为默认值：基线问题不能阻断摄取周期
func (s *Store) Refresh(ctx context.Context) models.Baseline {
	since := time.Now().Add(-s.cfg.Window)

	b := models.Baseline{
		HeartRate: s.cfg.DefaultHR,
		HRV:       s.cfg.DefaultHRV,
	}

	hrv, err := s.source.AverageHRVSince(ctx, since)
	if err != nil {
		s.logger.Warn("Failed to compute HRV baseline, using default",
			zap.Float64("default_hrv", s.cfg.DefaultHRV),
			zap.Error(err),
		)
	} else if hrv != nil {
		b.HRV = *hrv
	}

	// 心率基线默认取固定常量而非历史均值，与HRV不对称
	// 两者独立可插拔，UseHistoricalHR 打开后心率改用历史均值
	if s.cfg.UseHistoricalHR {
		hr, err := s.source.AverageHRSince(ctx, since)
		if err != nil {
			s.logger.Warn("Failed to compute HR baseline, using default",
				zap.Float64("default_hr", s.cfg.DefaultHR),
				zap.Error(err),
			)
		} else if hr != nil {
			b.HeartRate = *hr
		}
	}

	s.mu.Lock()
	s.cached = &b
	s.refreshedAt = time.Now()
	s.mu.Unlock()

	return b
}
