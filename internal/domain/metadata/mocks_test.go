package metadata

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ehr/metadeploy/internal/platform/session"
)

// In-memory repositories. Rows are stored by value and every load returns a
// fresh pointer, bound to the session like the pgx repositories do.

type mockEncounterTypeRepo struct {
	mu     sync.Mutex
	rows   map[int64]EncounterType
	nextID int64
	err    error
}

func newMockEncounterTypeRepo() *mockEncounterTypeRepo {
	return &mockEncounterTypeRepo{rows: make(map[int64]EncounterType)}
}

func (m *mockEncounterTypeRepo) find(match func(EncounterType) bool) (*EncounterType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, row := range m.rows {
		if match(row) {
			et := row
			return &et, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockEncounterTypeRepo) GetByUUID(ctx context.Context, uuid string) (*EncounterType, error) {
	et, err := m.find(func(e EncounterType) bool { return e.UUID == uuid })
	if err != nil {
		return nil, err
	}
	return track(ctx, session.Key{Kind: KindEncounterType, ID: et.ID}, et), nil
}

func (m *mockEncounterTypeRepo) GetByName(ctx context.Context, name string) (*EncounterType, error) {
	et, err := m.find(func(e EncounterType) bool { return strings.EqualFold(e.Name, name) })
	if err != nil {
		return nil, err
	}
	return track(ctx, session.Key{Kind: KindEncounterType, ID: et.ID}, et), nil
}

func (m *mockEncounterTypeRepo) Save(ctx context.Context, et *EncounterType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if et.ID == 0 {
		for _, row := range m.rows {
			if row.UUID == et.UUID {
				return ErrDuplicateKey
			}
		}
		m.nextID++
		et.ID = m.nextID
	}
	if err := session.Attach(ctx, session.Key{Kind: KindEncounterType, ID: et.ID}, et); err != nil {
		return err
	}
	m.rows[et.ID] = *et
	return nil
}

func (m *mockEncounterTypeRepo) Retire(ctx context.Context, et *EncounterType, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range m.rows {
		if row.UUID == et.UUID {
			row.Retire(reason, time.Now())
			m.rows[id] = row
			et.ID = id
			et.Retirement = row.Retirement
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockEncounterTypeRepo) get(uuid string) (EncounterType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.UUID == uuid {
			return row, true
		}
	}
	return EncounterType{}, false
}

type mockFormRepo struct {
	mu     sync.Mutex
	rows   map[string]Form
	nextID int64
}

func newMockFormRepo() *mockFormRepo {
	return &mockFormRepo{rows: make(map[string]Form)}
}

func (m *mockFormRepo) GetByUUID(ctx context.Context, uuid string) (*Form, error) {
	m.mu.Lock()
	row, ok := m.rows[uuid]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return track(ctx, session.Key{Kind: KindForm, ID: row.ID}, &row), nil
}

func (m *mockFormRepo) Save(ctx context.Context, f *Form) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == 0 {
		m.nextID++
		f.ID = m.nextID
	}
	if f.Published == nil {
		published := false
		f.Published = &published
	}
	if err := session.Attach(ctx, session.Key{Kind: KindForm, ID: f.ID}, f); err != nil {
		return err
	}
	m.rows[f.UUID] = *f
	return nil
}

func (m *mockFormRepo) Retire(ctx context.Context, f *Form, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[f.UUID]
	if !ok {
		return ErrNotFound
	}
	row.Retire(reason, time.Now())
	m.rows[f.UUID] = row
	f.Retirement = row.Retirement
	return nil
}

type mockProgramRepo struct {
	mu     sync.Mutex
	rows   map[string]Program
	nextID int64
}

func newMockProgramRepo() *mockProgramRepo {
	return &mockProgramRepo{rows: make(map[string]Program)}
}

func (m *mockProgramRepo) GetByUUID(ctx context.Context, uuid string) (*Program, error) {
	m.mu.Lock()
	row, ok := m.rows[uuid]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return track(ctx, session.Key{Kind: KindProgram, ID: row.ID}, &row), nil
}

func (m *mockProgramRepo) Save(ctx context.Context, p *Program) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		m.nextID++
		p.ID = m.nextID
	}
	if err := session.Attach(ctx, session.Key{Kind: KindProgram, ID: p.ID}, p); err != nil {
		return err
	}
	m.rows[p.UUID] = *p
	return nil
}

func (m *mockProgramRepo) Retire(ctx context.Context, p *Program, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[p.UUID]
	if !ok {
		return ErrNotFound
	}
	row.Retire(reason, time.Now())
	m.rows[p.UUID] = row
	p.Retirement = row.Retirement
	return nil
}

type mockGlobalPropertyRepo struct {
	mu   sync.Mutex
	rows map[string]GlobalProperty
}

func newMockGlobalPropertyRepo() *mockGlobalPropertyRepo {
	return &mockGlobalPropertyRepo{rows: make(map[string]GlobalProperty)}
}

func (m *mockGlobalPropertyRepo) Get(ctx context.Context, property string) (*GlobalProperty, error) {
	m.mu.Lock()
	row, ok := m.rows[property]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return track(ctx, session.Key{Kind: KindGlobalProperty, ID: row.Property}, &row), nil
}

func (m *mockGlobalPropertyRepo) Save(ctx context.Context, gp *GlobalProperty) error {
	if err := session.Attach(ctx, session.Key{Kind: KindGlobalProperty, ID: gp.Property}, gp); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[gp.Property] = *gp
	return nil
}

func (m *mockGlobalPropertyRepo) Delete(_ context.Context, property string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[property]; !ok {
		return ErrNotFound
	}
	delete(m.rows, property)
	return nil
}

type mockRoleRepo struct {
	mu   sync.Mutex
	rows map[string]Role
}

func newMockRoleRepo() *mockRoleRepo {
	return &mockRoleRepo{rows: make(map[string]Role)}
}

func (m *mockRoleRepo) Get(ctx context.Context, name string) (*Role, error) {
	m.mu.Lock()
	row, ok := m.rows[name]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	row.Privileges = append([]string(nil), row.Privileges...)
	return track(ctx, session.Key{Kind: KindRole, ID: row.Name}, &row), nil
}

func (m *mockRoleRepo) Save(ctx context.Context, r *Role) error {
	if err := session.Attach(ctx, session.Key{Kind: KindRole, ID: r.Name}, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *r
	row.Privileges = append([]string(nil), r.Privileges...)
	m.rows[r.Name] = row
	return nil
}

func (m *mockRoleRepo) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[name]; !ok {
		return ErrNotFound
	}
	delete(m.rows, name)
	return nil
}

type mockRepos struct {
	encounterTypes   *mockEncounterTypeRepo
	forms            *mockFormRepo
	programs         *mockProgramRepo
	globalProperties *mockGlobalPropertyRepo
	roles            *mockRoleRepo
}

func newMockRepos() *mockRepos {
	return &mockRepos{
		encounterTypes:   newMockEncounterTypeRepo(),
		forms:            newMockFormRepo(),
		programs:         newMockProgramRepo(),
		globalProperties: newMockGlobalPropertyRepo(),
		roles:            newMockRoleRepo(),
	}
}

func (m *mockRepos) repositories() Repositories {
	return Repositories{
		EncounterTypes:   m.encounterTypes,
		Forms:            m.forms,
		Programs:         m.programs,
		GlobalProperties: m.globalProperties,
		Roles:            m.roles,
	}
}
