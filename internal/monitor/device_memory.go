package monitor

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
)

type deviceMemoryData struct {
	PreferredAddress string `json:"preferred_address"`
	PreferredName    string `json:"preferred_name,omitempty"`
}

// DeviceMemory remembers the hardware address of the last sensor a session connected to,
// so the next run can reconnect to it without a configured device.
// The address is stored rather than the device ID, whose instance segment changes
// every time the sensor is re-paired.
type DeviceMemory struct {
	filePath string
	logger   *log.Logger

	mu   sync.Mutex
	data deviceMemoryData
}

func NewDeviceMemory(filePath string, logger *log.Logger) *DeviceMemory {
	if logger == nil {
		panic("DeviceMemory: logger cannot be nil")
	}
	m := &DeviceMemory{filePath: filePath, logger: logger}
	m.load()
	return m
}

// Preferred returns the remembered address, or "" when there is none
func (m *DeviceMemory) Preferred() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.PreferredAddress
}

// Remember stores device's address if it differs from the remembered one
func (m *DeviceMemory) Remember(device connection.DeviceRef) {
	address, err := connection.AddressFragment(device.ID)
	if err != nil {
		m.logger.Printf("DeviceMemory: not remembering %s: %v", device, err)
		return
	}
	m.mu.Lock()
	if strings.EqualFold(m.data.PreferredAddress, address) && m.data.PreferredName == device.Name {
		m.mu.Unlock()
		return
	}
	m.data = deviceMemoryData{PreferredAddress: address, PreferredName: device.Name}
	data := m.data
	m.mu.Unlock()

	m.save(data)
}

// Watch remembers the session's device each time it connects
func (m *DeviceMemory) Watch(session Session) func() {
	return session.ListenStatus(func(status connection.Status) {
		if status.State() == connection.Connected {
			m.Remember(session.Device())
		}
	})
}

func (m *DeviceMemory) load() {
	raw, err := os.ReadFile(m.filePath)
	if err != nil {
		m.logger.Printf("DeviceMemory: load %s (no existing file)", m.filePath)
		return
	}
	var data deviceMemoryData
	if err := json.Unmarshal(raw, &data); err != nil {
		m.logger.Printf("DeviceMemory: load %s failed to parse: %v", m.filePath, err)
		return
	}
	m.data = data
	m.logger.Printf("DeviceMemory: load %s -> %q", m.filePath, data.PreferredAddress)
}

func (m *DeviceMemory) save(data deviceMemoryData) {
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0o755); err != nil {
		m.logger.Printf("DeviceMemory: save mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		m.logger.Printf("DeviceMemory: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(m.filePath, raw, 0o644); err != nil {
		m.logger.Printf("DeviceMemory: save %s failed: %v", m.filePath, err)
		return
	}
	m.logger.Printf("DeviceMemory: save %s -> %q", m.filePath, data.PreferredAddress)
}
