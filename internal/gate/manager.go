package gate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"mpy-sync/internal/logging"
	"mpy-sync/internal/syncerr"
)

// ManagerConfig holds the settings shared by every gate a Manager creates.
type ManagerConfig struct {
	AutoSuspend bool
	SettleDelay time.Duration
	Killer      Killer
	Bus         EventBus.Bus
}

// Manager hands out one Gate per concrete serial port and evicts idle ones.
type Manager struct {
	cfg ManagerConfig
	log *zap.Logger

	mu    sync.Mutex
	gates map[string]*Gate
}

// NewManager builds an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, log: logging.Named("gate-manager"), gates: map[string]*Gate{}}
}

// Gate returns the gate for port, creating it on first use. An empty port or
// "auto" is not a connection and is rejected.
func (m *Manager) Gate(port string) (*Gate, error) {
	port = strings.TrimSpace(port)
	if port == "" || strings.EqualFold(port, "auto") {
		return nil, syncerr.NewConfigurationError("port", "a concrete serial port is required (got "+quoteOrEmpty(port)+")")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gates[port]; ok {
		return g, nil
	}
	g := New(Config{
		Port:        port,
		AutoSuspend: m.cfg.AutoSuspend,
		SettleDelay: m.cfg.SettleDelay,
		Killer:      m.cfg.Killer,
		Bus:         m.cfg.Bus,
	})
	m.gates[port] = g
	return g, nil
}

func quoteOrEmpty(s string) string {
	if s == "" {
		return "empty value"
	}
	return `"` + s + `"`
}

// CancelAll cancels the in-flight operation on every gate.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	gates := make([]*Gate, 0, len(m.gates))
	for _, g := range m.gates {
		gates = append(gates, g)
	}
	m.mu.Unlock()

	n := 0
	for _, g := range gates {
		if g.Cancel() {
			n++
		}
	}
	return n
}

// Health returns the health of every known connection, sorted by port.
func (m *Manager) Health() []Health {
	m.mu.Lock()
	gates := make([]*Gate, 0, len(m.gates))
	for _, g := range m.gates {
		gates = append(gates, g)
	}
	m.mu.Unlock()

	out := make([]Health, 0, len(gates))
	for _, g := range gates {
		out = append(out, g.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Sweep closes gates that are idle (nothing running or queued, no attached
// session) and unused for longer than maxIdle. It returns the evicted ports.
func (m *Manager) Sweep(maxIdle time.Duration) []string {
	now := time.Now()
	m.mu.Lock()
	var evict []*Gate
	for port, g := range m.gates {
		h := g.Health()
		if h.Busy || h.QueueLength > 0 || h.Attached || now.Sub(h.LastUsed) < maxIdle {
			continue
		}
		evict = append(evict, g)
		delete(m.gates, port)
	}
	m.mu.Unlock()

	ports := make([]string, 0, len(evict))
	for _, g := range evict {
		g.Close()
		ports = append(ports, g.Port())
	}
	sort.Strings(ports)
	if len(ports) > 0 {
		m.log.Debug("evicted idle connections", zap.Strings("ports", ports))
	}
	return ports
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(maxIdle)
			}
		}
	}()
}

// Close shuts every gate down.
func (m *Manager) Close() {
	m.mu.Lock()
	gates := m.gates
	m.gates = map[string]*Gate{}
	m.mu.Unlock()
	for _, g := range gates {
		g.Close()
	}
}
