package metadata

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ehr/metadeploy/internal/platform/deploy"
)

// Handlers returns one deploy handler per kind, backed by repos.
func Handlers(repos Repositories) []deploy.ObjectHandler {
	return []deploy.ObjectHandler{
		&EncounterTypeHandler{repo: repos.EncounterTypes},
		&FormHandler{repo: repos.Forms},
		&ProgramHandler{repo: repos.Programs},
		&GlobalPropertyHandler{repo: repos.GlobalProperties},
		&RoleHandler{repo: repos.Roles},
	}
}

// NewRegistry builds the deploy registry for every kind in this package.
func NewRegistry(logger zerolog.Logger, repos Repositories) (*deploy.Registry, error) {
	return deploy.NewRegistry(logger, Handlers(repos)...)
}

// found converts a repository lookup into the handler contract: absent rows
// become a nil object and a nil error.
func found(obj deploy.Object, err error) (deploy.Object, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// EncounterTypeHandler treats an existing encounter type with the same name
// as the one to replace when no uuid matches.
type EncounterTypeHandler struct {
	repo EncounterTypeRepository
}

func (h *EncounterTypeHandler) Supports() []string { return []string{KindEncounterType} }

func (h *EncounterTypeHandler) Identifier(obj deploy.Object) string {
	return obj.(*EncounterType).UUID
}

func (h *EncounterTypeHandler) Fetch(ctx context.Context, uuid string) (deploy.Object, error) {
	return found(h.repo.GetByUUID(ctx, uuid))
}

func (h *EncounterTypeHandler) FindAlternateMatch(ctx context.Context, incoming deploy.Object) (deploy.Object, error) {
	return found(h.repo.GetByName(ctx, incoming.(*EncounterType).Name))
}

func (h *EncounterTypeHandler) Save(ctx context.Context, obj deploy.Object) error {
	return h.repo.Save(ctx, obj.(*EncounterType))
}

func (h *EncounterTypeHandler) Remove(ctx context.Context, obj deploy.Object, reason string) error {
	return h.repo.Retire(ctx, obj.(*EncounterType), reason)
}

// FormHandler keeps the publication state and the form's resource from the
// installed version when the incoming form does not carry them.
type FormHandler struct {
	deploy.NoAlternateMatch
	repo FormRepository
}

func (h *FormHandler) Supports() []string { return []string{KindForm} }

func (h *FormHandler) Identifier(obj deploy.Object) string { return obj.(*Form).UUID }

func (h *FormHandler) Fetch(ctx context.Context, uuid string) (deploy.Object, error) {
	return found(h.repo.GetByUUID(ctx, uuid))
}

func (h *FormHandler) Merge(existing, incoming deploy.Object) error {
	ex, in := existing.(*Form), incoming.(*Form)
	if in.Published == nil {
		in.Published = ex.Published
	}
	if in.XMLResource == nil {
		in.XMLResource = ex.XMLResource
	}
	return nil
}

func (h *FormHandler) Save(ctx context.Context, obj deploy.Object) error {
	return h.repo.Save(ctx, obj.(*Form))
}

func (h *FormHandler) Remove(ctx context.Context, obj deploy.Object, reason string) error {
	return h.repo.Retire(ctx, obj.(*Form), reason)
}

type ProgramHandler struct {
	deploy.NoAlternateMatch
	repo ProgramRepository
}

func (h *ProgramHandler) Supports() []string { return []string{KindProgram} }

func (h *ProgramHandler) Identifier(obj deploy.Object) string { return obj.(*Program).UUID }

func (h *ProgramHandler) Fetch(ctx context.Context, uuid string) (deploy.Object, error) {
	return found(h.repo.GetByUUID(ctx, uuid))
}

func (h *ProgramHandler) Save(ctx context.Context, obj deploy.Object) error {
	return h.repo.Save(ctx, obj.(*Program))
}

func (h *ProgramHandler) Remove(ctx context.Context, obj deploy.Object, reason string) error {
	return h.repo.Retire(ctx, obj.(*Program), reason)
}

// GlobalPropertyHandler keeps a configured value when the incoming property
// only declares the setting. Removal deletes the row; reason is ignored.
type GlobalPropertyHandler struct {
	deploy.NoAlternateMatch
	repo GlobalPropertyRepository
}

func (h *GlobalPropertyHandler) Supports() []string { return []string{KindGlobalProperty} }

func (h *GlobalPropertyHandler) Identifier(obj deploy.Object) string {
	return obj.(*GlobalProperty).Property
}

func (h *GlobalPropertyHandler) Fetch(ctx context.Context, property string) (deploy.Object, error) {
	return found(h.repo.Get(ctx, property))
}

func (h *GlobalPropertyHandler) Merge(existing, incoming deploy.Object) error {
	ex, in := existing.(*GlobalProperty), incoming.(*GlobalProperty)
	if in.Value == "" {
		in.Value = ex.Value
	}
	return nil
}

func (h *GlobalPropertyHandler) Save(ctx context.Context, obj deploy.Object) error {
	return h.repo.Save(ctx, obj.(*GlobalProperty))
}

func (h *GlobalPropertyHandler) Remove(ctx context.Context, obj deploy.Object, _ string) error {
	return h.repo.Delete(ctx, obj.(*GlobalProperty).Property)
}

// RoleHandler never drops privileges granted locally: the installed role ends
// up with the union of existing and incoming privileges.
type RoleHandler struct {
	deploy.NoAlternateMatch
	repo RoleRepository
}

func (h *RoleHandler) Supports() []string { return []string{KindRole} }

func (h *RoleHandler) Identifier(obj deploy.Object) string { return obj.(*Role).Name }

func (h *RoleHandler) Fetch(ctx context.Context, name string) (deploy.Object, error) {
	return found(h.repo.Get(ctx, name))
}

func (h *RoleHandler) Merge(existing, incoming deploy.Object) error {
	ex, in := existing.(*Role), incoming.(*Role)
	set := make(map[string]struct{}, len(ex.Privileges)+len(in.Privileges))
	for _, p := range ex.Privileges {
		set[p] = struct{}{}
	}
	for _, p := range in.Privileges {
		set[p] = struct{}{}
	}
	merged := make([]string, 0, len(set))
	for p := range set {
		merged = append(merged, p)
	}
	sort.Strings(merged)
	in.Privileges = merged
	return nil
}

func (h *RoleHandler) Save(ctx context.Context, obj deploy.Object) error {
	return h.repo.Save(ctx, obj.(*Role))
}

func (h *RoleHandler) Remove(ctx context.Context, obj deploy.Object, _ string) error {
	return h.repo.Delete(ctx, obj.(*Role).Name)
}
