package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ehr/metadeploy/internal/platform/deploy"
)

var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("metadata not found")

	// ErrDuplicateKey wraps unique constraint violations reported by the
	// database.
	ErrDuplicateKey = errors.New("duplicate key")
)

// UnknownKindError is returned when decoding an object of a kind the codec
// does not know.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown metadata kind %q", e.Kind)
}

// Validator is implemented by every kind in this package.
type Validator interface {
	Validate() error
}

var constructors = map[string]func() deploy.Object{
	KindEncounterType:  func() deploy.Object { return &EncounterType{} },
	KindForm:           func() deploy.Object { return &Form{} },
	KindProgram:        func() deploy.Object { return &Program{} },
	KindGlobalProperty: func() deploy.Object { return &GlobalProperty{} },
	KindRole:           func() deploy.Object { return &Role{} },
}

// NewObject returns a zero object of the given kind.
func NewObject(kind string) (deploy.Object, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return ctor(), nil
}

// Kinds lists the kinds NewObject accepts, sorted.
func Kinds() []string {
	out := make([]string, 0, len(constructors))
	for k := range constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DecodeJSON decodes data into a new object of kind, rejecting unknown fields,
// and validates it.
func DecodeJSON(kind string, data []byte) (deploy.Object, error) {
	obj, err := NewObject(kind)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(obj); err != nil {
		return nil, &ValidationError{Field: "body", Msg: err.Error()}
	}
	return obj, Prepare(obj)
}

// Prepare assigns missing uuids and validates obj.
func Prepare(obj deploy.Object) error {
	EnsureUUID(obj)
	if v, ok := obj.(Validator); ok {
		return v.Validate()
	}
	return nil
}
