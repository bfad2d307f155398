// Package session provides a request-scoped identity map for persisted
// metadata objects. Repositories bind every instance they load or save to
// its primary key; binding a second instance to the same key fails until
// the first has been evicted.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/ehr/metadeploy/internal/platform/deploy"
)

// ErrNonUniqueObject is returned when a key is already bound to a different
// instance.
var ErrNonUniqueObject = errors.New("a different object with the same identifier is already associated with the session")

// Key identifies a persisted row: the object kind plus its primary key, which
// is the surrogate id for surrogate-keyed kinds and the natural key otherwise.
type Key struct {
	Kind string
	ID   any
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%v", k.Kind, k.ID)
}

// Session is safe for concurrent use.
type Session struct {
	mu      sync.Mutex
	objects map[Key]any
}

func New() *Session {
	return &Session{objects: make(map[Key]any)}
}

// Attach binds obj to key. Re-attaching the same instance is a no-op.
func (s *Session) Attach(key Key, obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bound, ok := s.objects[key]; ok && bound != obj {
		return fmt.Errorf("%w: %s", ErrNonUniqueObject, key)
	}
	s.objects[key] = obj
	return nil
}

// LoadOrAttach returns the instance already bound to key, or binds obj and
// returns it.
func (s *Session) LoadOrAttach(key Key, obj any) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bound, ok := s.objects[key]; ok {
		return bound
	}
	s.objects[key] = obj
	return obj
}

// Get returns the instance bound to key.
func (s *Session) Get(key Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[key]
	return obj, ok
}

// Evict removes every binding of obj and reports how many there were.
func (s *Session) Evict(obj any) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, bound := range s.objects {
		if bound == obj {
			delete(s.objects, k)
			n++
		}
	}
	return n
}

// Len returns the number of bound keys.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type contextKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session carried by ctx, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}

// Attach binds obj in the session carried by ctx. Without a session it does
// nothing.
func Attach(ctx context.Context, key Key, obj any) error {
	if s := FromContext(ctx); s != nil {
		return s.Attach(key, obj)
	}
	return nil
}

// Check reports ErrNonUniqueObject when the session carried by ctx has key
// bound to an instance other than obj. It binds nothing, so a write can be
// checked first and attached only once it succeeds.
func Check(ctx context.Context, key Key, obj any) error {
	s := FromContext(ctx)
	if s == nil {
		return nil
	}
	if bound, ok := s.Get(key); ok && bound != obj {
		return fmt.Errorf("%w: %s", ErrNonUniqueObject, key)
	}
	return nil
}

// ContextEvicter evicts objects from the session carried by the context
// passed to Evict. It is the deploy.Evicter used in production.
type ContextEvicter struct{}

func (ContextEvicter) Evict(ctx context.Context, obj deploy.Object) {
	if s := FromContext(ctx); s != nil {
		s.Evict(obj)
	}
}

// Middleware opens a fresh session for every request.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := WithSession(c.Request().Context(), New())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
