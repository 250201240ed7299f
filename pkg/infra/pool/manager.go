package pool

import (
	"fmt"
	"sync"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Manager 池管理器，按类型管理多个池
type Manager struct {
	mu    sync.RWMutex
	pools map[Type]*Pool
}

// NewManager 创建新的池管理器
func NewManager() *Manager {
	return &Manager{pools: make(map[Type]*Pool)}
}

// Register 注册新池
func (m *Manager) Register(typ Type, config *Config) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[typ]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPoolAlreadyExists, typ)
	}

	p, err := NewPool(string(typ), config)
	if err != nil {
		return nil, err
	}
	m.pools[typ] = p
	return p, nil
}

// Get 获取指定类型的池
func (m *Manager) Get(typ Type) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.pools[typ]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, typ)
	}
	return p, nil
}

// Stats 返回所有池的统计信息
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

// ReleaseAll 带超时释放所有池
func (m *Manager) ReleaseAll(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for typ, p := range m.pools {
		if err := p.Release(timeout); err != nil {
			errs = append(errs, fmt.Errorf("释放池 '%s' 超时: %w", typ, err))
		}
	}
	m.pools = make(map[Type]*Pool)
	return utilerrors.NewAggregate(errs)
}
