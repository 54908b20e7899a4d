package ble

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"anima-gateway/internal/config"
)

// State 链路会话状态
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// FrameHandler 收到一帧通知时的回调，帧内容原样转发，不做解释
type FrameHandler func(frame []byte)

// StateHandler 状态变更回调
type StateHandler func(state State)

// scanSession 一次扫描窗口的内部记录
// claimed 保证"名称命中立即连接"与"窗口超时选中"两条路径只有一条生效
type scanSession struct {
	claimed int32
	done    chan struct{}

	mu         sync.Mutex
	firstMatch *Advertisement // 窗口内第一个服务UUID命中的设备
}

func (s *scanSession) claim() bool {
	return atomic.CompareAndSwapInt32(&s.claimed, 0, 1)
}

func (s *scanSession) recordFirst(adv Advertisement) {
	s.mu.Lock()
	if s.firstMatch == nil {
		a := adv
		s.firstMatch = &a
	}
	s.mu.Unlock()
}

func (s *scanSession) first() *Advertisement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstMatch
}

// Manager 链路会话管理器
// 独占连接生命周期：扫描、连接、服务/特征协商、通知订阅、拆除。
// 会话状态只由管理器自身的事件处理函数修改，外部只读。
// 所有公开操作非阻塞，可从独立的控制上下文安全调用。
type Manager struct {
	cfg     config.LinkConfig
	radio   Radio
	logger  *zap.Logger
	onFrame FrameHandler
	onState StateHandler

	mu         sync.Mutex
	state      State
	deviceAddr string
	peripheral Peripheral
	scan       *scanSession
	closed     bool

	wg sync.WaitGroup
}

// NewManager 创建链路会话管理器
// onFrame 是原始帧的唯一出口；onState 可为 nil
func NewManager(cfg config.LinkConfig, radio Radio, onFrame FrameHandler, onState StateHandler, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		radio:   radio,
		logger:  logger,
		onFrame: onFrame,
		onState: onState,
		state:   StateIdle,
	}
	radio.OnDisconnect(m.handleRemoteDisconnect)
	return m
}

// State 当前会话状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DeviceAddress 当前活动设备标识（未知时为空）
func (m *Manager) DeviceAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceAddr
}

// StartScan 开始设备发现
// 射频不可用时快速失败进入 Error，不发起扫描。
// 两条接受路径竞争：服务UUID过滤命中在窗口结束时选第一个；
// 设备名包含配置子串（大小写不敏感）时立即终止扫描并连接。
func (m *Manager) StartScan(timeout time.Duration) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.scan != nil {
		// 已在扫描中
		m.mu.Unlock()
		return
	}

	if err := m.radio.Enable(); err != nil {
		m.logger.Warn("Bluetooth radio unavailable or disabled", zap.Error(err))
		m.setStateLocked(StateError)
		m.mu.Unlock()
		return
	}

	sess := &scanSession{done: make(chan struct{})}
	m.scan = sess
	m.setStateLocked(StateScanning)
	// Add 必须与 closed 检查同锁：Close 的 Wait 不能跑进检查与 Add 之间的窗口
	m.wg.Add(2)
	m.mu.Unlock()

	m.logger.Info("Scan started",
		zap.Duration("timeout", timeout),
		zap.String("service_uuid", m.cfg.ServiceUUID),
		zap.String("name_filter", m.cfg.NameFilter),
	)

	go m.runScan(sess)
	go m.watchScanWindow(sess, timeout)
}

// runScan 驱动底层扫描，回调里评估每条广播
func (m *Manager) runScan(sess *scanSession) {
	defer m.wg.Done()

	err := m.radio.Scan(func(adv Advertisement) {
		if m.nameMatches(adv.LocalName) {
			// 名称命中：立即短路扫描窗口
			if sess.claim() {
				m.logger.Info("Name match, connecting immediately",
					zap.String("name", adv.LocalName),
					zap.String("address", adv.Address),
				)
				m.stopRadioScan()
				m.finishScan(sess)
				m.Connect(adv.Address)
			}
			return
		}
		if adv.HasService {
			sess.recordFirst(adv)
		}
	})

	if err != nil && sess.claim() {
		m.logger.Warn("Scan failed", zap.Error(err))
		m.finishScan(sess)
		m.setState(StateError)
	}
}

// watchScanWindow 窗口计时：超时后选中第一个服务命中的设备，没有则停在原地
func (m *Manager) watchScanWindow(sess *scanSession, timeout time.Duration) {
	defer m.wg.Done()

	select {
	case <-sess.done:
		return
	case <-time.After(timeout):
	}

	if !sess.claim() {
		return
	}
	m.stopRadioScan()
	m.finishScan(sess)

	if adv := sess.first(); adv != nil {
		m.logger.Info("Scan window elapsed, connecting to first service match",
			zap.String("address", adv.Address),
			zap.String("name", adv.LocalName),
		)
		m.Connect(adv.Address)
		return
	}

	m.logger.Info("Scan window elapsed with no match")
	m.setState(StateIdle)
}

// StopScan 停止扫描（幂等）
func (m *Manager) StopScan() {
	m.mu.Lock()
	sess := m.scan
	m.mu.Unlock()
	if sess == nil {
		return
	}
	if sess.claim() {
		m.stopRadioScan()
		m.finishScan(sess)
		m.setState(StateIdle)
	}
}

// Connect 连接指定设备
// 连接前先关闭已有连接：同一时刻最多一条活动连接
func (m *Manager) Connect(address string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prior := m.peripheral
	m.peripheral = nil
	m.deviceAddr = address
	m.setStateLocked(StateConnecting)
	m.wg.Add(1)
	m.mu.Unlock()

	if prior != nil {
		if err := prior.Disconnect(); err != nil {
			m.logger.Warn("Error closing prior connection", zap.Error(err))
		}
	}

	go m.establish(address)
}

// establish 连接握手与通知协商
func (m *Manager) establish(address string) {
	defer m.wg.Done()

	peripheral, err := m.radio.Connect(address)
	if err != nil {
		m.logger.Warn("Connection failed",
			zap.String("address", address),
			zap.Error(err),
		)
		m.setState(StateError)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		peripheral.Disconnect()
		return
	}
	m.peripheral = peripheral
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("Link established, negotiating services", zap.String("address", address))

	// 服务/特征发现 + 通知订阅（含CCCD写入）
	// 目标服务或特征缺失、描述符写入失败：本会话不可恢复
	if err := peripheral.Subscribe(m.dispatchFrame); err != nil {
		m.logger.Warn("Service negotiation failed",
			zap.String("address", address),
			zap.Error(err),
		)
		m.setState(StateError)
		return
	}

	m.logger.Info("Notifications enabled", zap.String("address", address))
}

// dispatchFrame 每条通知原样转发给解码层
// recover 隔离单帧处理故障，不能拖垮扫描/连接簿记
func (m *Manager) dispatchFrame(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Frame handler panicked", zap.Any("panic", r))
		}
	}()
	if m.onFrame != nil {
		m.onFrame(frame)
	}
}

// handleRemoteDisconnect 远端主动断开：不是错误，是会话的正常终点
func (m *Manager) handleRemoteDisconnect(address string) {
	m.mu.Lock()
	if m.deviceAddr != "" && address != "" && m.deviceAddr != address {
		m.mu.Unlock()
		return
	}
	m.peripheral = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.logger.Info("Remote device disconnected", zap.String("address", address))
}

// Disconnect 尽力而为的拆除：任何失败只记日志，状态一律强制 Disconnected
func (m *Manager) Disconnect() {
	m.mu.Lock()
	peripheral := m.peripheral
	m.peripheral = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if peripheral != nil {
		if err := peripheral.Disconnect(); err != nil {
			m.logger.Warn("Error during teardown", zap.Error(err))
		}
	}
}

// Close 取消所有未完成的异步工作并强制走一遍 Disconnect
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sess := m.scan
	m.mu.Unlock()

	if sess != nil && sess.claim() {
		m.stopRadioScan()
		m.finishScan(sess)
	}
	m.Disconnect()
	m.wg.Wait()
}

func (m *Manager) nameMatches(name string) bool {
	if m.cfg.NameFilter == "" || name == "" {
		return false
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(m.cfg.NameFilter))
}

func (m *Manager) stopRadioScan() {
	if err := m.radio.StopScan(); err != nil {
		m.logger.Debug("StopScan returned error", zap.Error(err))
	}
}

// finishScan 关闭扫描会话记录
func (m *Manager) finishScan(sess *scanSession) {
	m.mu.Lock()
	if m.scan == sess {
		m.scan = nil
	}
	m.mu.Unlock()
	close(sess.done)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

// setStateLocked 调用方必须持有 m.mu
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onState != nil {
		// 回调在锁外执行，避免回调里再查状态造成死锁
		go m.onState(s)
	}
}
