package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/simlabs/simbay/internal/core/domain"
)

// fakeEngine is an in-memory ContainerEngine. Tests flip its error fields to
// simulate daemon failures and set createDelay to hold a slot lock open.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer

	pingErr     error
	createErr   error
	stopErr     map[string]error
	removeErr   map[string]error
	createDelay time.Duration

	createCalls int
	nextID      int
}

type fakeContainer struct {
	id        string
	status    string
	startedAt time.Time
	spec      domain.CreateSpec
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*fakeContainer),
		stopErr:    make(map[string]error),
		removeErr:  make(map[string]error),
	}
}

func (f *fakeEngine) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeEngine) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok, nil
}

func (f *fakeEngine) CreateAndStart(ctx context.Context, spec domain.CreateSpec) (string, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	if _, ok := f.containers[spec.Name]; ok {
		return "", fmt.Errorf("Conflict. The container name %q is already in use", spec.Name)
	}
	f.nextID++
	id := fmt.Sprintf("%012d%052d", f.nextID, 0)
	f.containers[spec.Name] = &fakeContainer{
		id:        id,
		status:    "running",
		startedAt: time.Now(),
		spec:      spec,
	}
	return id, nil
}

func (f *fakeEngine) Stop(ctx context.Context, name string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopErr[name]; err != nil {
		return err
	}
	c, ok := f.containers[name]
	if !ok {
		return domain.ErrNotFound
	}
	c.status = "exited"
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[name]; err != nil {
		return err
	}
	c, ok := f.containers[name]
	if !ok {
		return domain.ErrNotFound
	}
	if c.status == "running" && !force {
		return fmt.Errorf("cannot remove a running container, stop it first")
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, name string) (domain.RuntimeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return domain.RuntimeStatus{}, domain.ErrNotFound
	}
	return domain.RuntimeStatus{
		ContainerID: c.id,
		Status:      c.status,
		StartedAt:   c.startedAt,
	}, nil
}

func (f *fakeEngine) Logs(ctx context.Context, name string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return "", domain.ErrNotFound
	}
	return fmt.Sprintf("logs for %s (tail %d)\n", name, tail), nil
}

func (f *fakeEngine) ListManaged(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.containers))
	for name := range f.containers {
		names = append(names, name)
	}
	return names, nil
}

// setStatus rewrites a container's engine status, simulating changes made
// behind the manager's back.
func (f *fakeEngine) setStatus(name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.status = status
	}
}

func (f *fakeEngine) setStartedAt(name string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.startedAt = t
	}
}
