package bot

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

var (
	// ErrUnknownModel is returned for names no model was registered under.
	ErrUnknownModel = errors.New("unknown model")
	// ErrBusy is returned when a model is already running an exchange.
	ErrBusy = errors.New("model is busy with another exchange")
)

// ModelInfo describes a registered model.
type ModelInfo struct {
	Name               string `json:"name"`
	SupportsImageInput bool   `json:"supportsImageInput"`
	State              State  `json:"state"`
}

type slot struct {
	model Model
	busy  sync.Mutex
}

// Dispatcher routes actions to models by name. A model runs one mutating action at a
// time; concurrent attempts fail with ErrBusy instead of queueing.
type Dispatcher struct {
	mu     sync.RWMutex
	slots  map[string]*slot
	logger *logger.Logger
}

// NewDispatcher creates an empty registry.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		slots:  make(map[string]*slot),
		logger: logger.OrNop(log).Named("dispatcher"),
	}
}

// Register adds m, replacing any model with the same name.
func (d *Dispatcher) Register(m Model) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots[m.Name()] = &slot{model: m}
	d.logger.Info("model registered", zap.String("model", m.Name()))
}

// Get returns the model registered under name.
func (d *Dispatcher) Get(name string) (Model, error) {
	s, err := d.slot(name)
	if err != nil {
		return nil, err
	}
	return s.model, nil
}

func (d *Dispatcher) slot(name string) (*slot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.slots[name]
	if !ok {
		return nil, ErrUnknownModel
	}
	return s, nil
}

// Models lists the registered models sorted by name.
func (d *Dispatcher) Models() []ModelInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ModelInfo, 0, len(d.slots))
	for _, s := range d.slots {
		out = append(out, ModelInfo{
			Name:               s.model.Name(),
			SupportsImageInput: s.model.SupportsImageInput(),
			State:              s.model.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// locked runs fn while holding the model's exclusive slot.
func (d *Dispatcher) locked(name string, fn func(Model) error) error {
	s, err := d.slot(name)
	if err != nil {
		return err
	}
	if !s.busy.TryLock() {
		return ErrBusy
	}
	defer s.busy.Unlock()
	return fn(s.model)
}

// Send runs one exchange on the named model. A non-empty threadID is loaded first.
func (d *Dispatcher) Send(ctx context.Context, name, threadID string, p SendParams) error {
	return d.locked(name, func(m Model) error {
		if threadID != "" {
			if err := m.LoadThread(ctx, threadID); err != nil {
				return err
			}
		}
		return m.DoSendMessage(ctx, p)
	})
}

// NewThread runs the backend handshake and returns the fresh thread.
func (d *Dispatcher) NewThread(ctx context.Context, name string) (*model.ChatThread, error) {
	var th *model.ChatThread
	err := d.locked(name, func(m Model) error {
		if err := m.InitNewThread(ctx); err != nil {
			return err
		}
		th = m.CurrentThread()
		return nil
	})
	return th, err
}

// DeleteThread removes a thread of the named model.
func (d *Dispatcher) DeleteThread(ctx context.Context, name, id string) error {
	return d.locked(name, func(m Model) error {
		return m.DeleteThread(ctx, id)
	})
}

// Threads lists the valid threads of the named model.
func (d *Dispatcher) Threads(ctx context.Context, name string) ([]model.ChatThread, error) {
	m, err := d.Get(name)
	if err != nil {
		return nil, err
	}
	return m.AllThreads(ctx)
}

// Thread returns one stored thread without changing the model's current thread.
func (d *Dispatcher) Thread(ctx context.Context, name, id string) (*model.ChatThread, error) {
	threads, err := d.Threads(ctx, name)
	if err != nil {
		return nil, err
	}
	for i := range threads {
		if threads[i].ID == id {
			return &threads[i], nil
		}
	}
	return nil, aierr.Raise(aierr.InvalidThreadID, "thread "+id+" not found")
}
