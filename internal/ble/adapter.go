package ble

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoRadio 基于 tinygo bluetooth 的 Radio 实现
type TinyGoRadio struct {
	adapter     *bluetooth.Adapter
	serviceUUID bluetooth.UUID
	charUUID    bluetooth.UUID

	mu        sync.Mutex
	enabled   bool
	onDisc    func(address string)
	addresses map[string]bluetooth.Address // 扫描期间见过的地址，供 Connect 反查
}

// NewTinyGoRadio 创建硬件无线电
func NewTinyGoRadio(serviceUUID, charUUID string) (*TinyGoRadio, error) {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service uuid %s: %w", serviceUUID, err)
	}
	char, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic uuid %s: %w", charUUID, err)
	}

	return &TinyGoRadio{
		adapter:     bluetooth.DefaultAdapter,
		serviceUUID: svc,
		charUUID:    char,
		addresses:   make(map[string]bluetooth.Address),
	}, nil
}

// Enable 使能蓝牙协议栈（幂等）
func (r *TinyGoRadio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}

	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		r.mu.Lock()
		handler := r.onDisc
		r.mu.Unlock()
		if handler != nil {
			handler(device.Address.String())
		}
	})

	r.enabled = true
	return nil
}

// OnDisconnect 注册远端断开通知
func (r *TinyGoRadio) OnDisconnect(handler func(address string)) {
	r.mu.Lock()
	r.onDisc = handler
	r.mu.Unlock()
}

// Scan 阻塞扫描，广播通过回调送出；StopScan 使其返回
func (r *TinyGoRadio) Scan(onAdv func(Advertisement)) error {
	return r.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()

		r.mu.Lock()
		r.addresses[addr] = result.Address
		r.mu.Unlock()

		onAdv(Advertisement{
			Address:    addr,
			LocalName:  result.LocalName(),
			HasService: result.HasServiceUUID(r.serviceUUID),
			RSSI:       result.RSSI,
		})
	})
}

// StopScan 停止扫描
func (r *TinyGoRadio) StopScan() error {
	return r.adapter.StopScan()
}

// Connect 建立连接
func (r *TinyGoRadio) Connect(address string) (Peripheral, error) {
	r.mu.Lock()
	addr, ok := r.addresses[address]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown device address %s", address)
	}

	device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	return &tinyGoPeripheral{
		device:      device,
		serviceUUID: r.serviceUUID,
		charUUID:    r.charUUID,
	}, nil
}

// tinyGoPeripheral 一条已建立的GATT连接
type tinyGoPeripheral struct {
	device      bluetooth.Device
	serviceUUID bluetooth.UUID
	charUUID    bluetooth.UUID
}

// Subscribe 发现目标服务/特征并启用通知
// EnableNotifications 同时完成本地使能与CCCD描述符写入；
// 其失败等价于描述符写失败，对本会话不可恢复
func (p *tinyGoPeripheral) Subscribe(onFrame func([]byte)) error {
	services, err := p.device.DiscoverServices([]bluetooth.UUID{p.serviceUUID})
	if err != nil {
		return fmt.Errorf("service discovery failed: %w", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("target service %s not found", p.serviceUUID.String())
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{p.charUUID})
	if err != nil {
		return fmt.Errorf("characteristic discovery failed: %w", err)
	}
	if len(chars) == 0 {
		return fmt.Errorf("target characteristic %s not found", p.charUUID.String())
	}

	if err := chars[0].EnableNotifications(onFrame); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	return nil
}

// Disconnect 断开连接
func (p *tinyGoPeripheral) Disconnect() error {
	return p.device.Disconnect()
}
