package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ehr/metadeploy/internal/platform/deploy"
)

// LoadBundle reads a multi-document YAML stream in which every document is
// one object tagged with its kind:
//
//	kind: Program
//	uuid: 9f0c5a1e-...
//	name: HIV Care
//	---
//	kind: GlobalProperty
//	property: locale.default
//	value: en_GB
//
// Empty documents are skipped. Every object is validated and objects without
// a uuid get a random one.
func LoadBundle(r io.Reader) ([]deploy.Object, error) {
	dec := yaml.NewDecoder(r)

	var objs []deploy.Object
	for doc := 1; ; doc++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return objs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if isEmptyDocument(&node) {
			continue
		}

		var header struct {
			Kind string `yaml:"kind"`
		}
		if err := node.Decode(&header); err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if header.Kind == "" {
			return nil, fmt.Errorf("document %d: %w", doc, &ValidationError{Field: "kind", Msg: "is required"})
		}

		obj, err := NewObject(header.Kind)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if err := node.Decode(obj); err != nil {
			return nil, fmt.Errorf("document %d (%s): %w", doc, header.Kind, err)
		}
		if err := Prepare(obj); err != nil {
			return nil, fmt.Errorf("document %d (%s): %w", doc, header.Kind, err)
		}
		objs = append(objs, obj)
	}
}

func isEmptyDocument(n *yaml.Node) bool {
	if len(n.Content) == 0 {
		return true
	}
	c := n.Content[0]
	return c.Kind == yaml.ScalarNode && c.Tag == "!!null"
}

// BundleResult counts what InstallBundle did.
type BundleResult struct {
	Created  int `json:"created"`
	Replaced int `json:"replaced"`
}

// Installer is the part of deploy.Service InstallBundle needs.
type Installer interface {
	Install(ctx context.Context, incoming deploy.Object) (bool, error)
}

// InstallBundle installs objs in order and stops at the first failure.
// Objects installed before the failure stay installed.
func InstallBundle(ctx context.Context, svc Installer, objs []deploy.Object) (BundleResult, error) {
	var res BundleResult
	for i, obj := range objs {
		replaced, err := svc.Install(ctx, obj)
		if err != nil {
			return res, fmt.Errorf("install object %d (%s): %w", i+1, obj.ObjectKind(), err)
		}
		if replaced {
			res.Replaced++
		} else {
			res.Created++
		}
	}
	return res, nil
}
