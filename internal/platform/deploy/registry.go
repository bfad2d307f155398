package deploy

import (
	"sort"

	"github.com/rs/zerolog"
)

type registryEntry struct {
	handler ObjectHandler
	merger  MergeHandler // nil when the handler cannot merge
}

// Registry maps object kinds to the handler that installs them. It is built
// once by NewRegistry and never modified afterwards, so it can be shared
// between goroutines without locking. To change the handler set, build a new
// Registry and swap the pointer.
type Registry struct {
	entries map[string]registryEntry
}

// NewRegistry builds a Registry from the given handlers. Every kind returned
// by a handler's Supports is mapped to that handler. Handlers that declare no
// kinds are skipped. Two handlers declaring the same kind is an error.
func NewRegistry(logger zerolog.Logger, handlers ...ObjectHandler) (*Registry, error) {
	r := &Registry{entries: make(map[string]registryEntry)}

	for _, h := range handlers {
		kinds := h.Supports()
		if len(kinds) == 0 {
			logger.Debug().Str("handler", typeName(h)).Msg("handler declares no kinds, skipping")
			continue
		}

		entry := registryEntry{handler: h}
		if m, ok := h.(MergeHandler); ok {
			entry.merger = m
		}

		for _, kind := range kinds {
			if prev, exists := r.entries[kind]; exists {
				return nil, &DuplicateHandlerError{Kind: kind, Existing: prev.handler, Incoming: h}
			}
			r.entries[kind] = entry
			logger.Debug().
				Str("kind", kind).
				Str("handler", typeName(h)).
				Bool("merge", entry.merger != nil).
				Msg("registered metadata handler")
		}
	}

	return r, nil
}

// Resolve returns the handler registered for exactly this kind.
func (r *Registry) Resolve(kind string) (ObjectHandler, error) {
	e, err := r.entry(kind)
	if err != nil {
		return nil, err
	}
	return e.handler, nil
}

// Kinds returns all registered kinds sorted alphabetically.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) entry(kind string) (registryEntry, error) {
	e, ok := r.entries[kind]
	if !ok {
		return registryEntry{}, &NoHandlerError{Kind: kind}
	}
	return e, nil
}
