package recognizer

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/kaiwa/pkg/provider/stt"
)

// ErrUnknownModel is returned for a model name that was never registered.
var ErrUnknownModel = errors.New("recognizer: unknown model")

// Models is the set of decoding models a server offers. Clients pick one by
// name through the "model" config field; the empty name selects the default.
type Models struct {
	mu     sync.RWMutex
	models map[string]stt.Model
	def    string
}

// NewModels creates a set whose default model is def.
func NewModels(def string, m stt.Model) *Models {
	return &Models{models: map[string]stt.Model{def: m}, def: def}
}

// Add registers m under name, replacing any previous model of that name.
func (ms *Models) Add(name string, m stt.Model) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.models[name] = m
}

// Has reports whether name resolves to a model.
func (ms *Models) Has(name string) bool {
	_, err := ms.Get(name)
	return err == nil
}

// Get resolves name.
func (ms *Models) Get(name string) (stt.Model, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if name == "" {
		name = ms.def
	}
	m, ok := ms.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

// Names lists registered model names, sorted.
func (ms *Models) Names() []string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	names := make([]string, 0, len(ms.models))
	for n := range ms.models {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Close closes every model.
func (ms *Models) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var errs []error
	for name, m := range ms.models {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
