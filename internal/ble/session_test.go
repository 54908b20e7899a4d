package ble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"anima-gateway/internal/config"
)

// fakePeripheral 可编排的外设连接
type fakePeripheral struct {
	mu            sync.Mutex
	subscribeErr  error
	subscribed    bool
	disconnected  bool
	disconnectErr error
	onFrame       func([]byte)
}

func (p *fakePeripheral) Subscribe(onFrame func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.subscribed = true
	p.onFrame = onFrame
	return nil
}

func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = true
	return p.disconnectErr
}

func (p *fakePeripheral) deliver(frame []byte) {
	p.mu.Lock()
	handler := p.onFrame
	p.mu.Unlock()
	if handler != nil {
		handler(frame)
	}
}

// fakeRadio 可编排的无线电：广播序列在 Scan 启动后回放
type fakeRadio struct {
	mu         sync.Mutex
	enableErr  error
	connectErr error
	peripheral *fakePeripheral
	advs       []Advertisement
	scanning   chan struct{} // Scan 启动信号
	stopScan   chan struct{}
	onDisc     func(string)
	connected  []string
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		peripheral: &fakePeripheral{},
		scanning:   make(chan struct{}),
		stopScan:   make(chan struct{}, 1),
	}
}

func (r *fakeRadio) Enable() error { return r.enableErr }

func (r *fakeRadio) OnDisconnect(handler func(string)) {
	r.mu.Lock()
	r.onDisc = handler
	r.mu.Unlock()
}

func (r *fakeRadio) Scan(onAdv func(Advertisement)) error {
	close(r.scanning)
	r.mu.Lock()
	advs := r.advs
	r.mu.Unlock()
	for _, adv := range advs {
		onAdv(adv)
	}
	<-r.stopScan
	return nil
}

func (r *fakeRadio) StopScan() error {
	select {
	case r.stopScan <- struct{}{}:
	default:
	}
	return nil
}

func (r *fakeRadio) Connect(address string) (Peripheral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	r.connected = append(r.connected, address)
	return r.peripheral, nil
}

func (r *fakeRadio) remoteDisconnect(address string) {
	r.mu.Lock()
	handler := r.onDisc
	r.mu.Unlock()
	if handler != nil {
		handler(address)
	}
}

func linkConfig() config.LinkConfig {
	return config.LinkConfig{
		ServiceUUID: "7f9c5eed-5678-47ca-9aa7-7337b8096792",
		CharUUID:    "a22db1ad-2575-4108-9b46-43feea464ae7",
		NameFilter:  "AnimaSmartGlasses",
	}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if m.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %v, want %v", m.State(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManager_NameMatch_ShortCircuitsScanWindow(t *testing.T) {
	// 名称命中在窗口早期到达：直接进入连接，不等完剩余窗口
	radio := newFakeRadio()
	radio.advs = []Advertisement{
		{Address: "AA:01", LocalName: "SomethingElse"},
		{Address: "AA:02", LocalName: "anima-smart-glasses-x"}, // 大小写不敏感包含匹配失败
		{Address: "AA:03", LocalName: "My AnimaSmartGlasses v2"},
	}
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	start := time.Now()
	m.StartScan(time.Hour) // 窗口故意很长：命中必须短路

	waitForState(t, m, StateConnected)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"AA:03"}, radio.connected)
	assert.Equal(t, "AA:03", m.DeviceAddress())
}

func TestManager_ServiceMatch_SelectedWhenWindowElapses(t *testing.T) {
	// 服务UUID命中在窗口结束时被选中，取第一个
	radio := newFakeRadio()
	radio.advs = []Advertisement{
		{Address: "BB:01", LocalName: "random", HasService: false},
		{Address: "BB:02", LocalName: "", HasService: true},
		{Address: "BB:03", LocalName: "", HasService: true},
	}
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	m.StartScan(50 * time.Millisecond)

	waitForState(t, m, StateConnected)
	assert.Equal(t, []string{"BB:02"}, radio.connected)
}

func TestManager_NoMatch_ScanStopsWithoutConnecting(t *testing.T) {
	radio := newFakeRadio()
	radio.advs = []Advertisement{
		{Address: "CC:01", LocalName: "unrelated", HasService: false},
	}
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	m.StartScan(50 * time.Millisecond)

	waitForState(t, m, StateIdle)
	assert.Empty(t, radio.connected)
}

func TestManager_RadioUnavailable_FailsFastToError(t *testing.T) {
	// 射频不可用：不发起扫描，直接进入 Error
	radio := newFakeRadio()
	radio.enableErr = errors.New("bluetooth adapter disabled")
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	m.StartScan(time.Second)

	assert.Equal(t, StateError, m.State())
	select {
	case <-radio.scanning:
		t.Fatal("scan should not have been attempted")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_SubscribeFailure_IsTerminalError(t *testing.T) {
	// 目标特征缺失：本会话不可恢复，进入 Error
	radio := newFakeRadio()
	radio.peripheral.subscribeErr = errors.New("target characteristic not found")
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	m.Connect("DD:01")

	waitForState(t, m, StateError)
	assert.False(t, radio.peripheral.subscribed)
}

func TestManager_ConnectFailure_Error(t *testing.T) {
	radio := newFakeRadio()
	radio.connectErr = errors.New("handshake timeout")
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	m.Connect("DD:02")

	waitForState(t, m, StateError)
}

func TestManager_FramesForwardedVerbatim(t *testing.T) {
	radio := newFakeRadio()

	var mu sync.Mutex
	var frames [][]byte
	onFrame := func(frame []byte) {
		mu.Lock()
		frames = append(frames, frame)
		mu.Unlock()
	}

	m := NewManager(linkConfig(), radio, onFrame, nil, zap.NewNop())
	defer m.Close()

	m.Connect("EE:01")
	waitForState(t, m, StateConnected)

	radio.peripheral.deliver([]byte("I:1|HR:77"))
	radio.peripheral.deliver([]byte("I:0|HR:78"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("I:1|HR:77"), frames[0])
	assert.Equal(t, []byte("I:0|HR:78"), frames[1])
}

func TestManager_FrameHandlerPanic_DoesNotCrashManager(t *testing.T) {
	radio := newFakeRadio()
	m := NewManager(linkConfig(), radio, func([]byte) { panic("boom") }, nil, zap.NewNop())
	defer m.Close()

	m.Connect("EE:02")
	waitForState(t, m, StateConnected)

	// 不会panic出边界
	radio.peripheral.deliver([]byte("HR:80"))
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_RemoteDisconnect_IsNotAnError(t *testing.T) {
	radio := newFakeRadio()
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	m.Connect("FF:01")
	waitForState(t, m, StateConnected)

	radio.remoteDisconnect("FF:01")
	waitForState(t, m, StateDisconnected)
}

func TestManager_Disconnect_ForcedEvenWhenTeardownFails(t *testing.T) {
	// 拆除失败只记日志，状态仍强制 Disconnected
	radio := newFakeRadio()
	radio.peripheral.disconnectErr = errors.New("link already gone")
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	m.Connect("FF:02")
	waitForState(t, m, StateConnected)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, radio.peripheral.disconnected)
}

func TestManager_StopScan_Idempotent(t *testing.T) {
	radio := newFakeRadio()
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	m.StartScan(time.Hour)
	<-radio.scanning

	m.StopScan()
	m.StopScan()
	m.StopScan()
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_CloseRacesStartScan(t *testing.T) {
	// Close 的 Wait 与 StartScan 的协程派生并发：不丢协程、不panic
	for i := 0; i < 50; i++ {
		radio := newFakeRadio()
		m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())

		started := make(chan struct{})
		go func() {
			m.StartScan(time.Hour)
			close(started)
		}()

		m.Close()
		<-started
	}
}

func TestManager_CloseRacesConnect(t *testing.T) {
	for i := 0; i < 50; i++ {
		radio := newFakeRadio()
		m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())

		started := make(chan struct{})
		go func() {
			m.Connect("AA:77")
			close(started)
		}()

		m.Close()
		<-started
	}
}

func TestManager_RescanAfterDisconnect(t *testing.T) {
	// Disconnected 不是终态：可再次 StartScan
	radio := newFakeRadio()
	radio.advs = []Advertisement{{Address: "AA:09", LocalName: "AnimaSmartGlasses"}}
	m := NewManager(linkConfig(), radio, nil, nil, zap.NewNop())
	defer m.Close()

	m.Connect("FF:03")
	waitForState(t, m, StateConnected)
	radio.remoteDisconnect("FF:03")
	waitForState(t, m, StateDisconnected)

	m.StartScan(time.Hour)
	waitForState(t, m, StateConnected)
	assert.Equal(t, "AA:09", m.DeviceAddress())
}
