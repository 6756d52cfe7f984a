package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/kikitori/pkg/audio"
	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RecognizerFactory builds a recognizer from its configuration block. ctx
// bounds any dialing done by the constructor.
type RecognizerFactory func(ctx context.Context, entry ProviderEntry) (stt.Provider, error)

// SourceFactory builds a capture backend.
type SourceFactory func() (audio.Source, error)

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]RecognizerFactory
	sources     map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizers: make(map[string]RecognizerFactory),
		sources:     make(map[string]SourceFactory),
	}
}

// RegisterRecognizer registers a recognizer factory under name. A later
// registration with the same name replaces the earlier one.
func (r *Registry) RegisterRecognizer(name string, factory RecognizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// RegisterSource registers a capture backend factory under name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateRecognizer instantiates the recognizer registered under entry.Name.
// It returns [ErrProviderNotRegistered] if no factory has that name.
func (r *Registry) CreateRecognizer(ctx context.Context, entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// CreateSource instantiates the capture backend registered under kind.
func (r *Registry) CreateSource(kind SourceKind) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[string(kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, kind)
	}
	return factory()
}

// Recognizers returns the registered recognizer names in sorted order.
func (r *Registry) Recognizers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recognizers))
	for name := range r.recognizers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
