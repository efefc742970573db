package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/notify"
	"github.com/hochfrequenz/portal-orchestrator/internal/store"
)

var (
	// ErrUnknownBatch is returned for ids the manager does not track
	ErrUnknownBatch = errors.New("unknown batch")
	// ErrNoTargets is returned when starting an empty batch
	ErrNoTargets = errors.New("batch has no targets")
)

// PendingStore persists unfinished batches across restarts
type PendingStore interface {
	SavePendingBatch(ctx context.Context, b store.PendingBatch) error
	ListPendingBatches(ctx context.Context) ([]store.PendingBatch, error)
	DeletePendingBatch(ctx context.Context, id string) error
}

// Spec describes a batch to start
type Spec struct {
	Kind    domain.TaskKind      `json:"task_kind"`
	Mode    domain.ExecutionMode `json:"execution_mode,omitempty"`
	Targets []domain.Target      `json:"targets"`
}

type entry struct {
	runner *Runner
	done   chan struct{}
}

// Manager owns the batches started through the server
type Manager struct {
	dialer   Dialer
	cfg      Config
	log      logr.Logger
	pending  PendingStore
	notifier notify.Notifier
	baseURL  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	batches map[string]*entry
	order   []string
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithPendingStore enables persistence of unfinished batches
func WithPendingStore(ps PendingStore) ManagerOption {
	return func(m *Manager) { m.pending = ps }
}

// WithNotifier announces finished batches
func WithNotifier(n notify.Notifier, baseURL string) ManagerOption {
	return func(m *Manager) {
		m.notifier = n
		m.baseURL = baseURL
	}
}

// WithManagerLogger sets the manager logger
func WithManagerLogger(log logr.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a manager. Batches run until they finish, are
// stopped, or Shutdown is called.
func NewManager(dialer Dialer, cfg Config, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dialer:   dialer,
		cfg:      cfg,
		log:      logr.Discard(),
		notifier: notify.NoopNotifier{},
		ctx:      ctx,
		cancel:   cancel,
		batches:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithName("batch")
	return m
}

// Start launches a new batch and returns its id
func (m *Manager) Start(spec Spec) (string, error) {
	if len(spec.Targets) == 0 {
		return "", ErrNoTargets
	}
	if _, err := domain.ParseTaskKind(string(spec.Kind)); err != nil {
		return "", err
	}
	if _, err := domain.ParseExecutionMode(string(spec.Mode)); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.launch(id, spec)
	return id, nil
}

func (m *Manager) launch(id string, spec Spec) {
	var r *Runner
	saved := 0
	r = NewRunner(id, spec.Kind, spec.Mode, spec.Targets, m.dialer, m.cfg,
		WithLogger(m.log),
		WithUpdates(func(s QueueState) {
			// Only resolved targets change what is left to resume.
			if s.Done || s.Completed() == saved {
				return
			}
			saved = s.Completed()
			m.persist(spec, r)
		}),
	)
	e := &entry{runner: r, done: make(chan struct{})}

	m.mu.Lock()
	m.batches[id] = e
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.persist(spec, r)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(e.done)
		final := r.Run(m.ctx)
		m.finished(final)
	}()
}

func (m *Manager) persist(spec Spec, r *Runner) {
	if m.pending == nil {
		return
	}
	remaining := r.Remaining()
	if len(remaining) == 0 {
		return
	}
	st := r.State()
	err := m.pending.SavePendingBatch(context.Background(), store.PendingBatch{
		ID:        st.ID,
		Kind:      spec.Kind,
		Mode:      spec.Mode,
		Targets:   remaining,
		CreatedAt: time.Now(),
	})
	if err != nil {
		m.log.Error(err, "failed to persist batch", "batchID", st.ID)
	}
}

func (m *Manager) finished(st QueueState) {
	// A shutdown leaves the batch persisted so Resume can pick it up.
	if m.ctx.Err() != nil {
		return
	}
	if m.pending != nil {
		if err := m.pending.DeletePendingBatch(context.Background(), st.ID); err != nil {
			m.log.Error(err, "failed to delete pending batch", "batchID", st.ID)
		}
	}

	n := st.Notification()
	if m.baseURL != "" {
		n.Link = m.baseURL + "/api/batches/" + st.ID
	}
	if err := m.notifier.Send(n); err != nil {
		m.log.Error(err, "failed to send notification", "batchID", st.ID)
	}
}

// Notification summarizes a finished batch for operators. Failures outrank a
// cancellation when picking the severity.
func (q QueueState) Notification() notify.Notification {
	n := notify.Notification{
		Title:     fmt.Sprintf("%s batch finished", q.Kind),
		Type:      notify.NotifySuccess,
		BatchID:   q.ID,
		Processed: q.Completed(),
		Total:     q.Total,
	}
	for _, o := range q.Outcomes {
		if !o.Success {
			n.Failures = append(n.Failures, notify.Failure{TargetID: o.TargetID, Error: o.Error})
		}
	}
	n.Message = n.Summary()
	if q.Cancelled {
		n.Title = fmt.Sprintf("%s batch stopped", q.Kind)
		n.Type = notify.NotifyWarning
	}
	if len(n.Failures) > 0 {
		n.Type = notify.NotifyError
	}
	return n
}

// Get returns the state of one batch
func (m *Manager) Get(id string) (QueueState, error) {
	m.mu.Lock()
	e, ok := m.batches[id]
	m.mu.Unlock()
	if !ok {
		return QueueState{}, ErrUnknownBatch
	}
	return e.runner.State(), nil
}

// List returns all tracked batches, most recent first
func (m *Manager) List() []QueueState {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		entries[i] = m.batches[id]
	}
	m.mu.Unlock()

	out := make([]QueueState, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].runner.State())
	}
	return out
}

// Stop halts a batch. Stopping a finished batch is a no-op.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	e, ok := m.batches[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownBatch
	}
	e.runner.Stop()
	return nil
}

// Wait blocks until the batch finishes or ctx is done
func (m *Manager) Wait(ctx context.Context, id string) (QueueState, error) {
	m.mu.Lock()
	e, ok := m.batches[id]
	m.mu.Unlock()
	if !ok {
		return QueueState{}, ErrUnknownBatch
	}
	select {
	case <-e.done:
		return e.runner.State(), nil
	case <-ctx.Done():
		return e.runner.State(), ctx.Err()
	}
}

// Delete stops a batch if it is still running and forgets it
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.batches[id]
	if ok {
		delete(m.batches, id)
		for i, o := range m.order {
			if o == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownBatch
	}
	e.runner.Stop()
	return nil
}

// Resume restarts batches persisted by a previous process
func (m *Manager) Resume(ctx context.Context) (int, error) {
	if m.pending == nil {
		return 0, nil
	}
	pending, err := m.pending.ListPendingBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending batches: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	n := 0
	for _, b := range pending {
		m.mu.Lock()
		_, exists := m.batches[b.ID]
		m.mu.Unlock()
		if exists || len(b.Targets) == 0 {
			continue
		}
		m.log.Info("resuming batch", "batchID", b.ID, "remaining", len(b.Targets))
		m.launch(b.ID, Spec{Kind: b.Kind, Mode: b.Mode, Targets: b.Targets})
		n++
	}
	return n, nil
}

// Shutdown cancels running batches and waits for them to exit.
// Unfinished batches stay persisted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
