package metadata

import "context"

// Lookups return ErrNotFound when nothing matches.

type EncounterTypeRepository interface {
	GetByUUID(ctx context.Context, uuid string) (*EncounterType, error)
	GetByName(ctx context.Context, name string) (*EncounterType, error)
	Save(ctx context.Context, et *EncounterType) error
	Retire(ctx context.Context, et *EncounterType, reason string) error
}

type FormRepository interface {
	GetByUUID(ctx context.Context, uuid string) (*Form, error)
	Save(ctx context.Context, f *Form) error
	Retire(ctx context.Context, f *Form, reason string) error
}

type ProgramRepository interface {
	GetByUUID(ctx context.Context, uuid string) (*Program, error)
	Save(ctx context.Context, p *Program) error
	Retire(ctx context.Context, p *Program, reason string) error
}

type GlobalPropertyRepository interface {
	Get(ctx context.Context, property string) (*GlobalProperty, error)
	Save(ctx context.Context, gp *GlobalProperty) error
	Delete(ctx context.Context, property string) error
}

type RoleRepository interface {
	Get(ctx context.Context, name string) (*Role, error)
	Save(ctx context.Context, r *Role) error
	Delete(ctx context.Context, name string) error
}

// Repositories bundles one repository per kind.
type Repositories struct {
	EncounterTypes   EncounterTypeRepository
	Forms            FormRepository
	Programs         ProgramRepository
	GlobalProperties GlobalPropertyRepository
	Roles            RoleRepository
}
