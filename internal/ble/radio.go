package ble

// Advertisement 扫描期间发现的一条设备广播
type Advertisement struct {
	Address    string
	LocalName  string
	HasService bool // 广播中是否携带目标服务UUID
	RSSI       int16
}

// Peripheral 一条已建立的外设连接
type Peripheral interface {
	// Subscribe 协商服务/特征并启用通知：
	// 发现目标服务与特征，本地使能通知，再写CCCD请求远端推送。
	// 任一步失败对本会话不可恢复。
	Subscribe(onFrame func([]byte)) error
	Disconnect() error
}

// Radio 无线电硬件抽象，生产实现基于 tinygo bluetooth
// Scan 阻塞直到 StopScan 被调用；广播通过回调送出
type Radio interface {
	Enable() error
	Scan(onAdv func(Advertisement)) error
	StopScan() error
	Connect(address string) (Peripheral, error)
	// OnDisconnect 注册远端主动断开的通知
	OnDisconnect(handler func(address string))
}
