package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sells-group/screening-cli/internal/lock"
	"github.com/sells-group/screening-cli/internal/model"
)

const closeWait = 5 * time.Second

// Manager holds exactly one Controller per project for the life of the
// process. Controllers are attached on first use.
type Manager struct {
	deps   Deps
	cancel context.CancelFunc

	mu          sync.Mutex
	controllers map[string]*Controller
	group       singleflight.Group
}

// NewManager returns a manager whose jobs run until Close.
func NewManager(deps Deps) *Manager {
	base := deps.BaseContext
	if base == nil {
		base = context.Background()
	}
	base, cancel := context.WithCancel(base)
	deps.BaseContext = base
	if deps.Leases == nil {
		deps.Leases = lock.NewMemory()
	}
	return &Manager{deps: deps, cancel: cancel, controllers: make(map[string]*Controller)}
}

// Get returns the project's controller, attaching it if needed.
func (m *Manager) Get(ctx context.Context, projectID string) (*Controller, error) {
	m.mu.Lock()
	c, ok := m.controllers[projectID]
	m.mu.Unlock()
	if ok {
		return c, nil
	}

	v, err, _ := m.group.Do(projectID, func() (any, error) {
		m.mu.Lock()
		if c, ok := m.controllers[projectID]; ok {
			m.mu.Unlock()
			return c, nil
		}
		m.mu.Unlock()

		c, err := Attach(ctx, projectID, m.deps)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.controllers[projectID] = c
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Controller), nil
}

// Close stops every job loop, waits briefly for them to exit and gives up
// project ownership. Jobs stay persisted as running and are resumed by the
// next owning Attach.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	for _, c := range controllers {
		for _, s := range model.Stages {
			_ = c.Wait(ctx, s)
		}
		c.releaseLease()
	}
}
