package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/metadeploy/internal/platform/db"
	"github.com/ehr/metadeploy/internal/platform/session"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pgBase struct {
	pool *pgxpool.Pool
}

func (b pgBase) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

// NewRepositories returns the pgx-backed repositories for every kind.
func NewRepositories(pool *pgxpool.Pool) Repositories {
	base := pgBase{pool: pool}
	return Repositories{
		EncounterTypes:   &encounterTypeRepoPG{base},
		Forms:            &formRepoPG{base},
		Programs:         &programRepoPG{base},
		GlobalProperties: &globalPropertyRepoPG{base},
		Roles:            &roleRepoPG{base},
	}
}

// mapPgError translates driver errors into package errors.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

// track returns the instance the session already holds for key, binding
// loaded when there is none.
func track[T any](ctx context.Context, key session.Key, loaded T) T {
	s := session.FromContext(ctx)
	if s == nil {
		return loaded
	}
	if bound, ok := s.LoadOrAttach(key, loaded).(T); ok {
		return bound
	}
	return loaded
}

func affected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Encounter types --

type encounterTypeRepoPG struct{ pgBase }

const etCols = `id, uuid, name, description, retired, retire_reason, date_retired`

func scanEncounterType(row pgx.Row) (*EncounterType, error) {
	var e EncounterType
	err := row.Scan(&e.ID, &e.UUID, &e.Name, &e.Description, &e.Retired, &e.RetireReason, &e.DateRetired)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &e, nil
}

func (r *encounterTypeRepoPG) load(ctx context.Context, where string, arg interface{}) (*EncounterType, error) {
	et, err := scanEncounterType(r.conn(ctx).QueryRow(ctx, `SELECT `+etCols+` FROM encounter_type WHERE `+where, arg))
	if err != nil {
		return nil, err
	}
	return track(ctx, session.Key{Kind: KindEncounterType, ID: et.ID}, et), nil
}

func (r *encounterTypeRepoPG) GetByUUID(ctx context.Context, uuid string) (*EncounterType, error) {
	return r.load(ctx, `uuid = $1`, uuid)
}

// GetByName matches case-insensitively and prefers unretired rows.
func (r *encounterTypeRepoPG) GetByName(ctx context.Context, name string) (*EncounterType, error) {
	return r.load(ctx, `lower(name) = lower($1) ORDER BY retired, id LIMIT 1`, name)
}

func (r *encounterTypeRepoPG) Save(ctx context.Context, et *EncounterType) error {
	if et.ID == 0 {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO encounter_type (uuid, name, description, retired, retire_reason, date_retired)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			et.UUID, et.Name, et.Description, et.Retired, et.RetireReason, et.DateRetired,
		).Scan(&et.ID)
		if err != nil {
			return mapPgError(err)
		}
		return session.Attach(ctx, session.Key{Kind: KindEncounterType, ID: et.ID}, et)
	}

	key := session.Key{Kind: KindEncounterType, ID: et.ID}
	if err := session.Check(ctx, key, et); err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounter_type SET
			uuid=$2, name=$3, description=$4, retired=$5, retire_reason=$6, date_retired=$7, updated_at=NOW()
		WHERE id = $1`,
		et.ID, et.UUID, et.Name, et.Description, et.Retired, et.RetireReason, et.DateRetired,
	)
	if err != nil {
		return mapPgError(err)
	}
	if err := affected(tag); err != nil {
		return err
	}
	return session.Attach(ctx, key, et)
}

func (r *encounterTypeRepoPG) Retire(ctx context.Context, et *EncounterType, reason string) error {
	var at time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE encounter_type SET retired = TRUE, retire_reason = $2, date_retired = NOW(), updated_at = NOW()
		WHERE uuid = $1
		RETURNING id, date_retired`,
		et.UUID, reason,
	).Scan(&et.ID, &at)
	if err != nil {
		return mapPgError(err)
	}
	et.Retire(reason, at)
	return nil
}

// -- Forms --

type formRepoPG struct{ pgBase }

const formCols = `id, uuid, name, version, description, encounter_type_uuid, published, xml_resource,
	retired, retire_reason, date_retired`

func scanForm(row pgx.Row) (*Form, error) {
	var f Form
	err := row.Scan(
		&f.ID, &f.UUID, &f.Name, &f.Version, &f.Description, &f.EncounterTypeUUID, &f.Published, &f.XMLResource,
		&f.Retired, &f.RetireReason, &f.DateRetired,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &f, nil
}

func (r *formRepoPG) GetByUUID(ctx context.Context, uuid string) (*Form, error) {
	f, err := scanForm(r.conn(ctx).QueryRow(ctx, `SELECT `+formCols+` FROM form WHERE uuid = $1`, uuid))
	if err != nil {
		return nil, err
	}
	return track(ctx, session.Key{Kind: KindForm, ID: f.ID}, f), nil
}

func (r *formRepoPG) Save(ctx context.Context, f *Form) error {
	if f.ID == 0 {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO form (uuid, name, version, description, encounter_type_uuid, published, xml_resource,
				retired, retire_reason, date_retired)
			VALUES ($1, $2, $3, $4, $5, COALESCE($6, FALSE), $7, $8, $9, $10)
			RETURNING id, published`,
			f.UUID, f.Name, f.Version, f.Description, f.EncounterTypeUUID, f.Published, f.XMLResource,
			f.Retired, f.RetireReason, f.DateRetired,
		).Scan(&f.ID, &f.Published)
		if err != nil {
			return mapPgError(err)
		}
		return session.Attach(ctx, session.Key{Kind: KindForm, ID: f.ID}, f)
	}

	key := session.Key{Kind: KindForm, ID: f.ID}
	if err := session.Check(ctx, key, f); err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE form SET
			uuid=$2, name=$3, version=$4, description=$5, encounter_type_uuid=$6,
			published=COALESCE($7, FALSE), xml_resource=$8,
			retired=$9, retire_reason=$10, date_retired=$11, updated_at=NOW()
		WHERE id = $1`,
		f.ID, f.UUID, f.Name, f.Version, f.Description, f.EncounterTypeUUID,
		f.Published, f.XMLResource,
		f.Retired, f.RetireReason, f.DateRetired,
	)
	if err != nil {
		return mapPgError(err)
	}
	if err := affected(tag); err != nil {
		return err
	}
	return session.Attach(ctx, key, f)
}

func (r *formRepoPG) Retire(ctx context.Context, f *Form, reason string) error {
	var at time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE form SET retired = TRUE, retire_reason = $2, date_retired = NOW(), updated_at = NOW()
		WHERE uuid = $1
		RETURNING id, date_retired`,
		f.UUID, reason,
	).Scan(&f.ID, &at)
	if err != nil {
		return mapPgError(err)
	}
	f.Retire(reason, at)
	return nil
}

// -- Programs --

type programRepoPG struct{ pgBase }

const programCols = `id, uuid, name, description, concept_code, retired, retire_reason, date_retired`

func (r *programRepoPG) GetByUUID(ctx context.Context, uuid string) (*Program, error) {
	var p Program
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+programCols+` FROM program WHERE uuid = $1`, uuid).Scan(
		&p.ID, &p.UUID, &p.Name, &p.Description, &p.ConceptCode, &p.Retired, &p.RetireReason, &p.DateRetired,
	)
	if err != nil {
		return nil, mapPgError(err)
	}
	return track(ctx, session.Key{Kind: KindProgram, ID: p.ID}, &p), nil
}

func (r *programRepoPG) Save(ctx context.Context, p *Program) error {
	if p.ID == 0 {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO program (uuid, name, description, concept_code, retired, retire_reason, date_retired)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			p.UUID, p.Name, p.Description, p.ConceptCode, p.Retired, p.RetireReason, p.DateRetired,
		).Scan(&p.ID)
		if err != nil {
			return mapPgError(err)
		}
		return session.Attach(ctx, session.Key{Kind: KindProgram, ID: p.ID}, p)
	}

	key := session.Key{Kind: KindProgram, ID: p.ID}
	if err := session.Check(ctx, key, p); err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE program SET
			uuid=$2, name=$3, description=$4, concept_code=$5,
			retired=$6, retire_reason=$7, date_retired=$8, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.UUID, p.Name, p.Description, p.ConceptCode, p.Retired, p.RetireReason, p.DateRetired,
	)
	if err != nil {
		return mapPgError(err)
	}
	if err := affected(tag); err != nil {
		return err
	}
	return session.Attach(ctx, key, p)
}

func (r *programRepoPG) Retire(ctx context.Context, p *Program, reason string) error {
	var at time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE program SET retired = TRUE, retire_reason = $2, date_retired = NOW(), updated_at = NOW()
		WHERE uuid = $1
		RETURNING id, date_retired`,
		p.UUID, reason,
	).Scan(&p.ID, &at)
	if err != nil {
		return mapPgError(err)
	}
	p.Retire(reason, at)
	return nil
}

// -- Global properties --

type globalPropertyRepoPG struct{ pgBase }

func (r *globalPropertyRepoPG) Get(ctx context.Context, property string) (*GlobalProperty, error) {
	var gp GlobalProperty
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT property, value, description FROM global_property WHERE property = $1`, property,
	).Scan(&gp.Property, &gp.Value, &gp.Description)
	if err != nil {
		return nil, mapPgError(err)
	}
	return track(ctx, session.Key{Kind: KindGlobalProperty, ID: gp.Property}, &gp), nil
}

func (r *globalPropertyRepoPG) Save(ctx context.Context, gp *GlobalProperty) error {
	key := session.Key{Kind: KindGlobalProperty, ID: gp.Property}
	if err := session.Check(ctx, key, gp); err != nil {
		return err
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO global_property (property, value, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (property) DO UPDATE SET
			value = EXCLUDED.value, description = EXCLUDED.description, updated_at = NOW()`,
		gp.Property, gp.Value, gp.Description,
	)
	if err != nil {
		return mapPgError(err)
	}
	return session.Attach(ctx, key, gp)
}

func (r *globalPropertyRepoPG) Delete(ctx context.Context, property string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM global_property WHERE property = $1`, property)
	if err != nil {
		return mapPgError(err)
	}
	return affected(tag)
}

// -- Roles --

type roleRepoPG struct{ pgBase }

func (r *roleRepoPG) Get(ctx context.Context, name string) (*Role, error) {
	q := r.conn(ctx)
	var role Role
	err := q.QueryRow(ctx, `SELECT name, description FROM role WHERE name = $1`, name).Scan(&role.Name, &role.Description)
	if err != nil {
		return nil, mapPgError(err)
	}

	rows, err := q.Query(ctx, `SELECT privilege FROM role_privilege WHERE role = $1 ORDER BY privilege`, name)
	if err != nil {
		return nil, err
	}
	privileges, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan privileges of %s: %w", name, err)
	}
	role.Privileges = privileges

	return track(ctx, session.Key{Kind: KindRole, ID: role.Name}, &role), nil
}

// Save upserts the role and replaces its privilege set in one transaction.
func (r *roleRepoPG) Save(ctx context.Context, role *Role) error {
	key := session.Key{Kind: KindRole, ID: role.Name}
	if err := session.Check(ctx, key, role); err != nil {
		return err
	}
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO role (name, description) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, updated_at = NOW()`,
			role.Name, role.Description,
		); err != nil {
			return mapPgError(err)
		}
		if _, err := q.Exec(ctx, `DELETE FROM role_privilege WHERE role = $1`, role.Name); err != nil {
			return err
		}
		for _, p := range role.Privileges {
			if _, err := q.Exec(ctx,
				`INSERT INTO role_privilege (role, privilege) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				role.Name, p,
			); err != nil {
				return fmt.Errorf("grant %s to %s: %w", p, role.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return session.Attach(ctx, key, role)
}

func (r *roleRepoPG) Delete(ctx context.Context, name string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM role WHERE name = $1`, name)
	if err != nil {
		return mapPgError(err)
	}
	return affected(tag)
}
