package deploy

import "context"

// Object is a metadata entity that can be installed by the Service.
// ObjectKind must be usable on a nil pointer receiver; it identifies the
// concrete type for handler resolution.
type Object interface {
	ObjectKind() string
}

// SurrogateKeyed is an optional capability for objects that carry a
// database-local surrogate id next to their unique identifier. Kinds keyed
// only by a natural key (global properties, roles) do not implement it.
type SurrogateKeyed interface {
	SurrogateID() int64
	SetSurrogateID(id int64)
}

// ObjectHandler performs the type-specific steps of installing one or more
// object kinds.
type ObjectHandler interface {
	// Supports lists the object kinds this handler installs.
	Supports() []string

	// Identifier returns the unique identifier of obj.
	Identifier(obj Object) string

	// Fetch returns the stored object with the given unique identifier, or
	// nil when there is none.
	Fetch(ctx context.Context, identifier string) (Object, error)

	// FindAlternateMatch returns an existing object that incoming should
	// replace even though their identifiers differ, or nil.
	FindAlternateMatch(ctx context.Context, incoming Object) (Object, error)

	Save(ctx context.Context, obj Object) error

	// Remove uninstalls obj. Whether that retires or deletes is up to the
	// handler; reason is recorded where the kind supports it.
	Remove(ctx context.Context, obj Object, reason string) error
}

// MergeHandler is an optional capability of an ObjectHandler. Merge is called
// with the existing object before incoming replaces it and may copy state
// from existing onto incoming.
type MergeHandler interface {
	ObjectHandler
	Merge(existing, incoming Object) error
}

// Evicter removes an object from the identity session so that another
// instance with the same key can be saved in its place.
type Evicter interface {
	Evict(ctx context.Context, obj Object)
}

// NoAlternateMatch can be embedded by handlers that never match on anything
// but the unique identifier.
type NoAlternateMatch struct{}

// FindAlternateMatch always returns nil.
func (NoAlternateMatch) FindAlternateMatch(context.Context, Object) (Object, error) {
	return nil, nil
}
