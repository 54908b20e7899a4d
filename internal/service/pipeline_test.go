package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"anima-gateway/internal/baseline"
	"anima-gateway/internal/config"
	httpapi "anima-gateway/internal/http"
	"anima-gateway/internal/inference"
	"anima-gateway/internal/models"
)

// 管道必须同时满足接口层的入口契约
var _ httpapi.PipelineControl = (*Pipeline)(nil)

// fakeStore 记录写入的内存存储
type fakeStore struct {
	mu        sync.Mutex
	readings  []*models.Reading
	nextID    int64
	insertErr error
	labels    map[int64]bool
	labelErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{labels: make(map[int64]bool)}
}

func (s *fakeStore) InsertReading(_ context.Context, reading *models.Reading) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.nextID++
	s.readings = append(s.readings, reading)
	return s.nextID, nil
}

func (s *fakeStore) UpdateUserLabel(_ context.Context, id int64, accurate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labelErr != nil {
		return s.labelErr
	}
	s.labels[id] = accurate
	return nil
}

func (s *fakeStore) stored() []*models.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Reading, len(s.readings))
	copy(out, s.readings)
	return out
}

// fakeSink 记录报警与快照
type fakeSink struct {
	mu        sync.Mutex
	events    []models.AlertEvent
	snapshots []*models.StatusSnapshot
}

func (s *fakeSink) PublishAlert(_ context.Context, event models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSink) CacheSnapshot(_ context.Context, snapshot *models.StatusSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *fakeSink) alertEvents() []models.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AlertEvent, len(s.events))
	copy(out, s.events)
	return out
}

// stubStrategy 返回固定预测
type stubStrategy struct {
	result models.PredictionResult
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Classify(_ models.Vitals, _ models.Baseline) (models.PredictionResult, error) {
	return s.result, nil
}

// emptyHistory 空历史：基线落到默认值
type emptyHistory struct{}

func (emptyHistory) AverageHRVSince(context.Context, time.Time) (*float64, error) { return nil, nil }
func (emptyHistory) AverageHRSince(context.Context, time.Time) (*float64, error)  { return nil, nil }

func newTestPipeline(store *fakeStore, sink *fakeSink, prediction models.PredictionResult) *Pipeline {
	logger := zap.NewNop()
	b := baseline.NewStore(emptyHistory{}, config.BaselineConfig{
		Window:     24 * time.Hour,
		DefaultHR:  70,
		DefaultHRV: 40,
	}, logger)
	engine := inference.NewEngineWithStrategies(logger, &stubStrategy{result: prediction})
	return NewPipeline(store, b, engine, sink, config.InferenceConfig{FeedbackConfidence: 0.8}, logger)
}

func intPtr(v int) *int { return &v }

// ============================================
// 报警优先级与反馈挂起
// ============================================

func TestProcessSample_FallTakesPriorityOverStress(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{
		IsStress:   true,
		Confidence: 0.95,
		Reason:     "High Heart Rate",
	})

	sample := &models.SensorSample{
		HeartRate:   intPtr(130),
		MotionState: "FALL DETECTED",
	}
	p.ProcessSample(context.Background(), sample)

	events := sink.alertEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "Fall", events[0].EventType)
	assert.NotEmpty(t, events[0].EventID)

	// 跌倒抑制压力反馈请求
	assert.Equal(t, int64(-1), p.PendingFeedbackID())

	readings := store.stored()
	require.Len(t, readings, 1)
	assert.Equal(t, 1.0, readings[0].AnomalyScore)
}

func TestProcessSample_HighStress_SetsPendingFeedback(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{
		IsStress:   true,
		Confidence: 0.9,
		Reason:     "ML Detected Pattern",
	})

	p.ProcessSample(context.Background(), &models.SensorSample{HeartRate: intPtr(110)})

	events := sink.alertEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "Stress", events[0].EventType)
	assert.Equal(t, 0.9, events[0].Confidence)

	assert.Equal(t, int64(1), p.PendingFeedbackID())

	readings := store.stored()
	require.Len(t, readings, 1)
	assert.Equal(t, 0.8, readings[0].AnomalyScore)
}

func TestProcessSample_LowConfidenceStress_NoAlert(t *testing.T) {
	// 压力为真但置信度未过门槛：落库但不报警、不挂起反馈
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{
		IsStress:   true,
		Confidence: 0.6,
		Reason:     "Elevated Heart Rate",
	})

	p.ProcessSample(context.Background(), &models.SensorSample{HeartRate: intPtr(95)})

	assert.Empty(t, sink.alertEvents())
	assert.Equal(t, int64(-1), p.PendingFeedbackID())

	readings := store.stored()
	require.Len(t, readings, 1)
	assert.Equal(t, 0.8, readings[0].AnomalyScore)
}

func TestProcessSample_Normal_ZeroAnomalyScore(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{Confidence: 0.1})

	p.ProcessSample(context.Background(), &models.SensorSample{
		HeartRate: intPtr(72),
		SkinTemp:  float64Ptr(36.4),
	})

	assert.Empty(t, sink.alertEvents())

	readings := store.stored()
	require.Len(t, readings, 1)
	assert.Equal(t, 0.0, readings[0].AnomalyScore)
	require.NotNil(t, readings[0].HeartRate)
	assert.Equal(t, 72.0, *readings[0].HeartRate)
	require.NotNil(t, readings[0].HRV)
	assert.Equal(t, 0.0, *readings[0].HRV)
	require.NotNil(t, readings[0].SkinTemperature)
	assert.Equal(t, 36.4, *readings[0].SkinTemperature)
}

func TestProcessSample_InsertFailure_NoAlertNoSnapshot(t *testing.T) {
	// 失败的周期不产生新读数也不发报警，状态转为错误提示
	store := newFakeStore()
	store.insertErr = errors.New("disk full")
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{
		IsStress:   true,
		Confidence: 0.95,
	})

	p.ProcessSample(context.Background(), &models.SensorSample{HeartRate: intPtr(120)})

	assert.Empty(t, sink.alertEvents())
	assert.Empty(t, sink.snapshots)
	assert.Equal(t, "Error: failed to persist reading", p.Status())

	_, failures := p.Stats()
	assert.Equal(t, int64(1), failures)
}

func TestProcessSample_SnapshotCarriesStatusAndLinkState(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{Confidence: 0.2})
	p.SetLinkState("Connected")

	p.ProcessSample(context.Background(), &models.SensorSample{
		HeartRate:   intPtr(75),
		MotionState: "Idle",
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.snapshots, 1)
	snapshot := sink.snapshots[0]
	assert.Equal(t, "Connected", snapshot.LinkState)
	assert.Contains(t, snapshot.Status, "HR: 75 BPM")
	assert.Contains(t, snapshot.Status, "Status: Idle")
	assert.Equal(t, p.Status(), snapshot.Status)
	require.NotNil(t, snapshot.Prediction)
	assert.Equal(t, 0.2, snapshot.Prediction.Confidence)
}

// ============================================
// 用户反馈
// ============================================

func TestSubmitFeedback_ClearsMatchingPending(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{
		IsStress:   true,
		Confidence: 0.9,
	})

	ctx := context.Background()
	p.ProcessSample(ctx, &models.SensorSample{HeartRate: intPtr(115)})
	require.Equal(t, int64(1), p.PendingFeedbackID())

	require.NoError(t, p.SubmitFeedback(ctx, 1, true))

	assert.Equal(t, int64(-1), p.PendingFeedbackID())
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, true, store.labels[1])
}

func TestSubmitFeedback_UnrelatedReading_KeepsPending(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{
		IsStress:   true,
		Confidence: 0.9,
	})

	ctx := context.Background()
	p.ProcessSample(ctx, &models.SensorSample{HeartRate: intPtr(115)})
	require.Equal(t, int64(1), p.PendingFeedbackID())

	// 对历史读数补反馈不影响当前挂起项
	require.NoError(t, p.SubmitFeedback(ctx, 99, false))
	assert.Equal(t, int64(1), p.PendingFeedbackID())
}

func TestHandleFeedbackPayload_Valid(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{
		IsStress:   true,
		Confidence: 0.9,
	})

	ctx := context.Background()
	p.ProcessSample(ctx, &models.SensorSample{HeartRate: intPtr(115)})
	require.Equal(t, int64(1), p.PendingFeedbackID())

	err := p.HandleFeedbackPayload(ctx, []byte(`{"reading_id": 1, "accurate": false}`))

	require.NoError(t, err)
	assert.Equal(t, int64(-1), p.PendingFeedbackID())
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, false, store.labels[1])
}

func TestHandleFeedbackPayload_Malformed(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{})

	err := p.HandleFeedbackPayload(context.Background(), []byte(`not json`))
	assert.Error(t, err)
}

func TestHandleFeedbackPayload_MissingFields(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{})

	err := p.HandleFeedbackPayload(context.Background(), []byte(`{"reading_id": 1}`))
	assert.Error(t, err)

	err = p.HandleFeedbackPayload(context.Background(), []byte(`{"accurate": true}`))
	assert.Error(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.labels)
}

func TestSubmitFeedback_StoreError_Propagates(t *testing.T) {
	store := newFakeStore()
	store.labelErr = errors.New("reading 5 not found")
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{})

	err := p.SubmitFeedback(context.Background(), 5, true)
	assert.Error(t, err)
}

// ============================================
// 帧队列
// ============================================

func TestPipeline_FramesProcessedInArrivalOrder(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{})

	p.Start(context.Background())
	defer p.Stop()

	p.HandleFrame([]byte("I:0|HR:71"))
	p.HandleFrame([]byte("I:0|HR:72"))
	p.HandleFrame([]byte("I:0|HR:73"))

	require.Eventually(t, func() bool {
		return len(store.stored()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	readings := store.stored()
	assert.Equal(t, 71.0, *readings[0].HeartRate)
	assert.Equal(t, 72.0, *readings[1].HeartRate)
	assert.Equal(t, 73.0, *readings[2].HeartRate)
}

func TestHandleFrame_QueueFull_DropsWithoutBlocking(t *testing.T) {
	// 工作协程未启动，队列容量64：溢出帧被丢弃，调用立即返回
	store := newFakeStore()
	sink := &fakeSink{}
	p := newTestPipeline(store, sink, models.PredictionResult{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			p.HandleFrame([]byte("HR:70"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleFrame blocked on full queue")
	}
}

func float64Ptr(v float64) *float64 { return &v }
