package deploy

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"
)

// Service installs, uninstalls and fetches metadata objects by delegating
// every kind-specific step to the handler resolved from its Registry.
type Service struct {
	registry *Registry
	evicter  Evicter
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for install and uninstall events.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a Service. evicter may be nil when no identity session
// is in use.
func NewService(registry *Registry, evicter Evicter, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		evicter:  evicter,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry the service dispatches through.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Install saves incoming, replacing the existing object with the same unique
// identifier (or the handler's alternate match) when there is one. It
// reports whether an existing object was replaced. A surrogate id carried by
// incoming is ignored: it is overwritten from the matched object, or cleared
// when nothing matched.
func (s *Service) Install(ctx context.Context, incoming Object) (bool, error) {
	if isAbsent(incoming) {
		return false, ErrNilObject
	}
	kind := incoming.ObjectKind()
	entry, err := s.registry.entry(kind)
	if err != nil {
		return false, err
	}
	h := entry.handler

	identifier := h.Identifier(incoming)
	existing, err := h.Fetch(ctx, identifier)
	if err != nil {
		return false, err
	}

	alternate := false
	if isAbsent(existing) {
		existing, err = h.FindAlternateMatch(ctx, incoming)
		if err != nil {
			return false, err
		}
		alternate = !isAbsent(existing)
	}

	replaced := !isAbsent(existing)
	if replaced {
		if entry.merger != nil {
			if err := entry.merger.Merge(existing, incoming); err != nil {
				return false, err
			}
		}

		if from, ok := existing.(SurrogateKeyed); ok {
			if to, ok := incoming.(SurrogateKeyed); ok {
				to.SetSurrogateID(from.SurrogateID())
			}
		}

		if s.evicter != nil {
			s.evicter.Evict(ctx, existing)
		}
	} else if to, ok := incoming.(SurrogateKeyed); ok {
		to.SetSurrogateID(0)
	}

	if err := h.Save(ctx, incoming); err != nil {
		return false, err
	}

	s.logger.Info().
		Str("kind", kind).
		Str("identifier", identifier).
		Bool("replaced", replaced).
		Bool("alternate_match", alternate).
		Bool("merged", replaced && entry.merger != nil).
		Msg("metadata installed")

	return replaced, nil
}

// Uninstall removes outgoing through its handler, passing reason along.
func (s *Service) Uninstall(ctx context.Context, outgoing Object, reason string) error {
	if isAbsent(outgoing) {
		return ErrNilObject
	}
	kind := outgoing.ObjectKind()
	h, err := s.registry.Resolve(kind)
	if err != nil {
		return err
	}

	if err := h.Remove(ctx, outgoing, reason); err != nil {
		return err
	}

	s.logger.Info().
		Str("kind", kind).
		Str("identifier", h.Identifier(outgoing)).
		Str("reason", reason).
		Msg("metadata uninstalled")
	return nil
}

// FetchObject returns the object of the given kind with the given unique
// identifier, or nil if there is none.
func (s *Service) FetchObject(ctx context.Context, kind, identifier string) (Object, error) {
	h, err := s.registry.Resolve(kind)
	if err != nil {
		return nil, err
	}
	obj, err := h.Fetch(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if isAbsent(obj) {
		return nil, nil
	}
	return obj, nil
}

// FetchAs is the typed form of FetchObject. The kind is taken from T, so T
// must be a pointer type whose ObjectKind does not dereference its receiver.
func FetchAs[T Object](ctx context.Context, s *Service, identifier string) (T, error) {
	var zero T
	kind := zero.ObjectKind()

	obj, err := s.FetchObject(ctx, kind, identifier)
	if err != nil || obj == nil {
		return zero, err
	}

	typed, ok := obj.(T)
	if !ok {
		return zero, &KindMismatchError{Kind: kind, Got: obj}
	}
	return typed, nil
}

// isAbsent treats both a nil interface and a typed nil pointer as "no object".
func isAbsent(obj Object) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
