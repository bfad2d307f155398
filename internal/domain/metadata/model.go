package metadata

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/metadeploy/internal/platform/deploy"
)

// Kinds installed by this package.
const (
	KindEncounterType  = "EncounterType"
	KindForm           = "Form"
	KindProgram        = "Program"
	KindGlobalProperty = "GlobalProperty"
	KindRole           = "Role"
)

// Retirement holds the soft-delete columns shared by retirable kinds.
type Retirement struct {
	Retired      bool       `db:"retired" json:"retired" yaml:"retired"`
	RetireReason *string    `db:"retire_reason" json:"retire_reason,omitempty" yaml:"retire_reason,omitempty"`
	DateRetired  *time.Time `db:"date_retired" json:"date_retired,omitempty" yaml:"date_retired,omitempty"`
}

// ValidateRetireReason checks reason fits the retire_reason column.
func ValidateRetireReason(reason string) error {
	if len(reason) > 255 {
		return &ValidationError{Field: "reason", Msg: "must be at most 255 characters"}
	}
	return nil
}

// Retire marks the object retired now with reason.
func (r *Retirement) Retire(reason string, at time.Time) {
	r.Retired = true
	r.RetireReason = &reason
	r.DateRetired = &at
}

// EncounterType maps to the encounter_type table.
type EncounterType struct {
	ID          int64  `db:"id" json:"-" yaml:"-"`
	UUID        string `db:"uuid" json:"uuid" yaml:"uuid"`
	Name        string `db:"name" json:"name" yaml:"name"`
	Description string `db:"description" json:"description,omitempty" yaml:"description,omitempty"`
	Retirement  `yaml:",inline"`
}

func (*EncounterType) ObjectKind() string { return KindEncounterType }

func (e *EncounterType) SurrogateID() int64 { return e.ID }

func (e *EncounterType) SetSurrogateID(id int64) { e.ID = id }

func (e *EncounterType) Validate() error {
	if err := requireUUID(e.UUID); err != nil {
		return err
	}
	return requireText("name", e.Name, 255)
}

// Form maps to the form table. A form may reference the encounter type it
// captures by uuid.
type Form struct {
	ID                int64   `db:"id" json:"-" yaml:"-"`
	UUID              string  `db:"uuid" json:"uuid" yaml:"uuid"`
	Name              string  `db:"name" json:"name" yaml:"name"`
	Version           string  `db:"version" json:"version" yaml:"version"`
	Description       string  `db:"description" json:"description,omitempty" yaml:"description,omitempty"`
	EncounterTypeUUID *string `db:"encounter_type_uuid" json:"encounter_type_uuid,omitempty" yaml:"encounter_type_uuid,omitempty"`
	Published         *bool   `db:"published" json:"published,omitempty" yaml:"published,omitempty"`
	XMLResource       *string `db:"xml_resource" json:"xml_resource,omitempty" yaml:"xml_resource,omitempty"`
	Retirement        `yaml:",inline"`
}

func (*Form) ObjectKind() string { return KindForm }

func (f *Form) SurrogateID() int64 { return f.ID }

func (f *Form) SetSurrogateID(id int64) { f.ID = id }

func (f *Form) Validate() error {
	if err := requireUUID(f.UUID); err != nil {
		return err
	}
	if err := requireText("name", f.Name, 255); err != nil {
		return err
	}
	if err := requireText("version", f.Version, 50); err != nil {
		return err
	}
	if f.EncounterTypeUUID != nil {
		if _, err := uuid.Parse(*f.EncounterTypeUUID); err != nil {
			return &ValidationError{Field: "encounter_type_uuid", Msg: "must be a valid uuid"}
		}
	}
	return nil
}

// Program maps to the program table.
type Program struct {
	ID          int64  `db:"id" json:"-" yaml:"-"`
	UUID        string `db:"uuid" json:"uuid" yaml:"uuid"`
	Name        string `db:"name" json:"name" yaml:"name"`
	Description string `db:"description" json:"description,omitempty" yaml:"description,omitempty"`
	ConceptCode string `db:"concept_code" json:"concept_code,omitempty" yaml:"concept_code,omitempty"`
	Retirement  `yaml:",inline"`
}

func (*Program) ObjectKind() string { return KindProgram }

func (p *Program) SurrogateID() int64 { return p.ID }

func (p *Program) SetSurrogateID(id int64) { p.ID = id }

func (p *Program) Validate() error {
	if err := requireUUID(p.UUID); err != nil {
		return err
	}
	return requireText("name", p.Name, 255)
}

// GlobalProperty is a named configuration value. Its property name is the
// primary key; it has no surrogate id.
type GlobalProperty struct {
	Property    string `db:"property" json:"property" yaml:"property"`
	Value       string `db:"value" json:"value" yaml:"value"`
	Description string `db:"description" json:"description,omitempty" yaml:"description,omitempty"`
}

func (*GlobalProperty) ObjectKind() string { return KindGlobalProperty }

func (g *GlobalProperty) Validate() error {
	return requireText("property", g.Property, 255)
}

// Role is a named set of privileges, keyed by name.
type Role struct {
	Name        string   `db:"name" json:"name" yaml:"name"`
	Description string   `db:"description" json:"description,omitempty" yaml:"description,omitempty"`
	Privileges  []string `db:"-" json:"privileges" yaml:"privileges"`
}

func (*Role) ObjectKind() string { return KindRole }

func (r *Role) Validate() error {
	if err := requireText("name", r.Name, 50); err != nil {
		return err
	}
	for _, p := range r.Privileges {
		if strings.TrimSpace(p) == "" {
			return &ValidationError{Field: "privileges", Msg: "must not contain blank entries"}
		}
		if len(p) > 255 {
			return &ValidationError{Field: "privileges", Msg: "entries must be at most 255 characters"}
		}
	}
	return nil
}

// EnsureUUID assigns a random uuid to objects constructed without one.
// Kinds keyed by a natural key are left untouched.
func EnsureUUID(obj deploy.Object) {
	switch o := obj.(type) {
	case *EncounterType:
		if o.UUID == "" {
			o.UUID = uuid.NewString()
		}
	case *Form:
		if o.UUID == "" {
			o.UUID = uuid.NewString()
		}
	case *Program:
		if o.UUID == "" {
			o.UUID = uuid.NewString()
		}
	}
}

// ValidationError reports an invalid field on an incoming object.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Msg)
}

func requireUUID(s string) error {
	if s == "" {
		return &ValidationError{Field: "uuid", Msg: "is required"}
	}
	if _, err := uuid.Parse(s); err != nil {
		return &ValidationError{Field: "uuid", Msg: "must be a valid uuid"}
	}
	return nil
}

func requireText(field, s string, max int) error {
	if strings.TrimSpace(s) == "" {
		return &ValidationError{Field: field, Msg: "is required"}
	}
	if len(s) > max {
		return &ValidationError{Field: field, Msg: fmt.Sprintf("must be at most %d characters", max)}
	}
	return nil
}
