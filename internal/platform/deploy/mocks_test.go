package deploy

import (
	"context"
	"errors"
	"strings"
)

// =========== Test objects ===========

type testForm struct {
	ID      int64
	UUID    string
	Name    string
	Version string
}

func (*testForm) ObjectKind() string { return "Form" }

func (f *testForm) SurrogateID() int64 { return f.ID }

func (f *testForm) SetSurrogateID(id int64) { f.ID = id }

type testProgram struct {
	ID   int64
	UUID string
	Name string
}

func (*testProgram) ObjectKind() string { return "Program" }

func (p *testProgram) SurrogateID() int64 { return p.ID }

func (p *testProgram) SetSurrogateID(id int64) { p.ID = id }

// testSetting has no surrogate id, like a global property.
type testSetting struct {
	Property string
	Value    string
}

func (*testSetting) ObjectKind() string { return "Setting" }

type unknownObject struct{}

func (*unknownObject) ObjectKind() string { return "Unknown" }

var errNonUnique = errors.New("another object with the same id is attached")

// =========== Fake identity store ===========

// fakeStore keeps saved forms keyed by uuid and an identity cache keyed by
// surrogate id, rejecting saves that would put a second instance under an
// already attached id.
type fakeStore struct {
	rows     map[string]*testForm
	attached map[int64]*testForm
	nextID   int64
	evicted  []Object
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:     make(map[string]*testForm),
		attached: make(map[int64]*testForm),
		nextID:   1,
	}
}

func (s *fakeStore) Evict(_ context.Context, obj Object) {
	s.evicted = append(s.evicted, obj)
	for id, f := range s.attached {
		if Object(f) == obj {
			delete(s.attached, id)
		}
	}
}

// =========== Form handler (merge capable) ===========

type formHandler struct {
	store  *fakeStore
	calls  []string
	merged [][2]*testForm
	// alternateByName enables matching on name+version when uuids differ.
	alternateByName bool
	saveErr         error
	fetchErr        error
}

func newFormHandler(store *fakeStore) *formHandler {
	return &formHandler{store: store}
}

func (h *formHandler) Supports() []string { return []string{"Form"} }

func (h *formHandler) Identifier(obj Object) string { return obj.(*testForm).UUID }

func (h *formHandler) Fetch(_ context.Context, id string) (Object, error) {
	h.calls = append(h.calls, "fetch")
	if h.fetchErr != nil {
		return nil, h.fetchErr
	}
	row, ok := h.store.rows[id]
	if !ok {
		return nil, nil
	}
	loaded := *row
	h.store.attached[loaded.ID] = &loaded
	return &loaded, nil
}

func (h *formHandler) FindAlternateMatch(_ context.Context, incoming Object) (Object, error) {
	h.calls = append(h.calls, "alternate")
	if !h.alternateByName {
		return nil, nil
	}
	in := incoming.(*testForm)
	for _, row := range h.store.rows {
		if strings.EqualFold(row.Name, in.Name) && row.Version == in.Version {
			loaded := *row
			h.store.attached[loaded.ID] = &loaded
			return &loaded, nil
		}
	}
	return nil, nil
}

func (h *formHandler) Merge(existing, incoming Object) error {
	h.calls = append(h.calls, "merge")
	h.merged = append(h.merged, [2]*testForm{existing.(*testForm), incoming.(*testForm)})
	return nil
}

func (h *formHandler) Save(_ context.Context, obj Object) error {
	h.calls = append(h.calls, "save")
	if h.saveErr != nil {
		return h.saveErr
	}
	f := obj.(*testForm)
	if f.ID == 0 {
		f.ID = h.store.nextID
		h.store.nextID++
	} else if attached, ok := h.store.attached[f.ID]; ok && attached != f {
		return errNonUnique
	}
	for uuid, row := range h.store.rows {
		if row.ID == f.ID && uuid != f.UUID {
			delete(h.store.rows, uuid)
		}
	}
	saved := *f
	h.store.rows[f.UUID] = &saved
	h.store.attached[f.ID] = f
	return nil
}

func (h *formHandler) Remove(_ context.Context, obj Object, reason string) error {
	h.calls = append(h.calls, "remove:"+reason)
	return nil
}

// =========== Program handler (plain, no merge, no alternate match) ===========

type programHandler struct {
	NoAlternateMatch
	rows   map[string]*testProgram
	nextID int64
	saves  int
}

func newProgramHandler() *programHandler {
	return &programHandler{rows: make(map[string]*testProgram), nextID: 100}
}

func (h *programHandler) Supports() []string { return []string{"Program"} }

func (h *programHandler) Identifier(obj Object) string { return obj.(*testProgram).UUID }

func (h *programHandler) Fetch(_ context.Context, id string) (Object, error) {
	p, ok := h.rows[id]
	if !ok {
		// typed nil on purpose; the service must treat it as absent
		var none *testProgram
		return none, nil
	}
	cp := *p
	return &cp, nil
}

func (h *programHandler) Save(_ context.Context, obj Object) error {
	h.saves++
	p := obj.(*testProgram)
	if p.ID == 0 {
		p.ID = h.nextID
		h.nextID++
	}
	cp := *p
	h.rows[p.UUID] = &cp
	return nil
}

func (h *programHandler) Remove(_ context.Context, obj Object, _ string) error {
	delete(h.rows, obj.(*testProgram).UUID)
	return nil
}

// =========== Setting handler (no surrogate id, merge capable) ===========

type settingHandler struct {
	NoAlternateMatch
	rows map[string]*testSetting
}

func newSettingHandler() *settingHandler {
	return &settingHandler{rows: make(map[string]*testSetting)}
}

func (h *settingHandler) Supports() []string { return []string{"Setting"} }

func (h *settingHandler) Identifier(obj Object) string { return obj.(*testSetting).Property }

func (h *settingHandler) Fetch(_ context.Context, id string) (Object, error) {
	s, ok := h.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (h *settingHandler) Merge(existing, incoming Object) error {
	ex, in := existing.(*testSetting), incoming.(*testSetting)
	if in.Value == "" {
		in.Value = ex.Value
	}
	return nil
}

func (h *settingHandler) Save(_ context.Context, obj Object) error {
	cp := *obj.(*testSetting)
	h.rows[cp.Property] = &cp
	return nil
}

func (h *settingHandler) Remove(_ context.Context, obj Object, _ string) error {
	delete(h.rows, obj.(*testSetting).Property)
	return nil
}

// silentHandler declares no kinds.
type silentHandler struct{ settingHandler }

func (silentHandler) Supports() []string { return nil }
