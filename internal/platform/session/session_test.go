package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/metadeploy/internal/platform/deploy"
)

type program struct {
	ID   int64
	Name string
}

func (*program) ObjectKind() string { return "Program" }

var _ deploy.Evicter = ContextEvicter{}

func TestAttach_SameInstanceTwice(t *testing.T) {
	s := New()
	p := &program{ID: 1}
	key := Key{Kind: "Program", ID: int64(1)}

	if err := s.Attach(key, p); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := s.Attach(key, p); err != nil {
		t.Fatalf("re-attaching the same instance should succeed: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 binding, got %d", s.Len())
	}
}

func TestAttach_DifferentInstanceSameKey(t *testing.T) {
	s := New()
	key := Key{Kind: "Program", ID: int64(1)}
	s.Attach(key, &program{ID: 1})

	err := s.Attach(key, &program{ID: 1})
	if !errors.Is(err, ErrNonUniqueObject) {
		t.Fatalf("expected ErrNonUniqueObject, got %v", err)
	}
}

func TestAttach_KindsDoNotCollide(t *testing.T) {
	s := New()
	if err := s.Attach(Key{Kind: "Program", ID: int64(1)}, &program{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Attach(Key{Kind: "Form", ID: int64(1)}, &program{}); err != nil {
		t.Fatalf("same id under a different kind should not collide: %v", err)
	}
	if err := s.Attach(Key{Kind: "Program", ID: "1"}, &program{}); err != nil {
		t.Fatalf("string and int64 keys should not collide: %v", err)
	}
}

func TestEvict_AllowsReplacement(t *testing.T) {
	s := New()
	key := Key{Kind: "Program", ID: int64(7)}
	old := &program{ID: 7, Name: "old"}
	s.Attach(key, old)

	if n := s.Evict(old); n != 1 {
		t.Errorf("expected 1 binding evicted, got %d", n)
	}
	if _, ok := s.Get(key); ok {
		t.Error("expected key to be unbound after evict")
	}

	replacement := &program{ID: 7, Name: "new"}
	if err := s.Attach(key, replacement); err != nil {
		t.Fatalf("attach after evict: %v", err)
	}
	got, _ := s.Get(key)
	if got != replacement {
		t.Error("expected replacement to be bound")
	}
}

func TestEvict_UnknownInstance(t *testing.T) {
	s := New()
	s.Attach(Key{Kind: "Program", ID: int64(1)}, &program{})
	if n := s.Evict(&program{}); n != 0 {
		t.Errorf("expected nothing evicted, got %d", n)
	}
	if s.Len() != 1 {
		t.Error("binding of another instance must survive")
	}
}

func TestLoadOrAttach(t *testing.T) {
	s := New()
	key := Key{Kind: "Program", ID: int64(4)}
	first := &program{ID: 4}
	second := &program{ID: 4}

	if got := s.LoadOrAttach(key, first); got != first {
		t.Fatal("expected first instance to be bound")
	}
	if got := s.LoadOrAttach(key, second); got != first {
		t.Error("expected the already bound instance to be returned")
	}
	if err := s.Attach(key, second); !errors.Is(err, ErrNonUniqueObject) {
		t.Errorf("expected second instance to conflict, got %v", err)
	}
}

func TestContextEvicter(t *testing.T) {
	s := New()
	p := &program{ID: 3}
	s.Attach(Key{Kind: "Program", ID: int64(3)}, p)

	ctx := WithSession(context.Background(), s)
	ContextEvicter{}.Evict(ctx, p)
	if s.Len() != 0 {
		t.Error("expected session to be empty after evict")
	}

	// no session in context: must not panic
	ContextEvicter{}.Evict(context.Background(), p)
}

func TestPackageAttach_WithoutSession(t *testing.T) {
	if err := Attach(context.Background(), Key{Kind: "Program", ID: int64(1)}, &program{}); err != nil {
		t.Fatalf("expected no-op without session, got %v", err)
	}
}

func TestPackageAttach_WithSession(t *testing.T) {
	s := New()
	ctx := WithSession(context.Background(), s)
	key := Key{Kind: "Program", ID: int64(1)}
	Attach(ctx, key, &program{})
	if err := Attach(ctx, key, &program{}); !errors.Is(err, ErrNonUniqueObject) {
		t.Fatalf("expected ErrNonUniqueObject, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	s := New()
	ctx := WithSession(context.Background(), s)
	key := Key{Kind: "Program", ID: int64(4)}
	bound := &program{ID: 4}

	if err := Check(ctx, key, bound); err != nil {
		t.Fatalf("unbound key: %v", err)
	}
	if s.Len() != 0 {
		t.Error("Check must not bind")
	}

	s.Attach(key, bound)
	if err := Check(ctx, key, bound); err != nil {
		t.Errorf("same instance: %v", err)
	}
	if err := Check(ctx, key, &program{ID: 4}); !errors.Is(err, ErrNonUniqueObject) {
		t.Errorf("expected ErrNonUniqueObject, got %v", err)
	}
	if err := Check(context.Background(), key, &program{ID: 4}); err != nil {
		t.Errorf("without session: %v", err)
	}
}

func TestFromContext_Empty(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("expected nil session")
	}
}

func TestMiddleware_FreshSessionPerRequest(t *testing.T) {
	e := echo.New()
	var seen []*Session
	h := Middleware()(func(c echo.Context) error {
		s := FromContext(c.Request().Context())
		if s == nil {
			t.Fatal("expected session in request context")
		}
		seen = append(seen, s)
		return c.NoContent(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		if err := h(e.NewContext(req, rec)); err != nil {
			t.Fatalf("handler error: %v", err)
		}
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Error("expected a distinct session for each request")
	}
}

func TestSession_ConcurrentAttach(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			p := &program{ID: id}
			s.Attach(Key{Kind: "Program", ID: id}, p)
			s.Evict(p)
		}(int64(i))
	}
	wg.Wait()
	if s.Len() != 0 {
		t.Errorf("expected empty session, got %d bindings", s.Len())
	}
}
