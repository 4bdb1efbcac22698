package local

import (
	"fmt"
	"net"
	"sync"
)

// PortRange диапазон RTC портов воркера
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Validate проверяет границы диапазона
func (r PortRange) Validate() error {
	if r.Min <= 0 || r.Max <= 0 || r.Max > 65535 {
		return fmt.Errorf("неверный диапазон портов: Min=%d, Max=%d", r.Min, r.Max)
	}
	if r.Min > r.Max {
		return fmt.Errorf("минимальный порт должен быть не больше максимального: Min=%d, Max=%d", r.Min, r.Max)
	}
	return nil
}

// Split делит диапазон на n непересекающихся частей. Остаток достается
// последней части.
func (r PortRange) Split(n int) ([]PortRange, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	size := r.Max - r.Min + 1
	if n <= 0 || n > size {
		return nil, fmt.Errorf("нельзя разделить %d портов на %d частей", size, n)
	}
	step := size / n
	parts := make([]PortRange, n)
	for i := range parts {
		parts[i] = PortRange{Min: r.Min + i*step, Max: r.Min + (i+1)*step - 1}
	}
	parts[n-1].Max = r.Max
	return parts, nil
}

// PortManager выделяет порты ICE кандидатов транспортов.
// RTP и RTCP мультиплексируются, поэтому транспорту нужен один порт.
type PortManager struct {
	portRange PortRange
	usedPorts map[int]bool
	next      int
	// probe проверяет, что порт свободен в системе. nil - без проверки
	probe func(port int) bool
	mutex sync.Mutex
}

// NewPortManager создает PortManager для диапазона
func NewPortManager(portRange PortRange, probeSystem bool) (*PortManager, error) {
	if err := portRange.Validate(); err != nil {
		return nil, err
	}

	pm := &PortManager{
		portRange: portRange,
		usedPorts: make(map[int]bool),
		next:      portRange.Min,
	}
	if probeSystem {
		pm.probe = canBindPort
	}
	return pm, nil
}

// Allocate выделяет свободный порт, продолжая поиск с места последнего выделения
func (pm *PortManager) Allocate() (int, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	size := pm.portRange.Max - pm.portRange.Min + 1
	for i := 0; i < size; i++ {
		port := pm.next
		pm.next++
		if pm.next > pm.portRange.Max {
			pm.next = pm.portRange.Min
		}

		if pm.usedPorts[port] {
			continue
		}
		if pm.probe != nil && !pm.probe(port) {
			continue
		}
		pm.usedPorts[port] = true
		return port, nil
	}

	return 0, fmt.Errorf("не удалось найти свободный порт в диапазоне %d-%d",
		pm.portRange.Min, pm.portRange.Max)
}

// Release освобождает порт
func (pm *PortManager) Release(port int) error {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if !pm.usedPorts[port] {
		return fmt.Errorf("порт %d не выделен", port)
	}
	delete(pm.usedPorts, port)
	return nil
}

// IsPortInUse проверяет, используется ли порт
func (pm *PortManager) IsPortInUse(port int) bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return pm.usedPorts[port]
}

// Available возвращает количество свободных портов
func (pm *PortManager) Available() int {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return pm.portRange.Max - pm.portRange.Min + 1 - len(pm.usedPorts)
}

// canBindPort проверяет, можно ли забиндить UDP порт
func canBindPort(port int) bool {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}

	listener, err := net.ListenUDP("udp", addr)
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
