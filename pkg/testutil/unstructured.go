// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//

package testutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/app-sre/qontract-reconcile-sub006/pkg/resource"
)

// YamlToUnstructured parses a YAML fixture into an Unstructured object,
// failing the test on parse errors.
func YamlToUnstructured(t *testing.T, manifest string) *unstructured.Unstructured {
	t.Helper()
	obj := map[string]interface{}{}
	if err := yaml.Unmarshal([]byte(manifest), &obj); err != nil {
		t.Fatalf("failed to parse yaml fixture: %v", err)
	}
	return &unstructured.Unstructured{Object: obj}
}

// YamlToDocument parses a YAML fixture and wraps it into a Document with
// the passed provenance, failing the test on parse or validation errors.
func YamlToDocument(t *testing.T, manifest, integration, version string) *resource.Document {
	t.Helper()
	doc, err := resource.New(YamlToUnstructured(t, manifest).Object, integration, version)
	if err != nil {
		t.Fatalf("failed to construct document: %v", err)
	}
	return doc
}

// AssertEqual fails the test with a readable diff when the two values
// are not deeply equal.
func AssertEqual(t *testing.T, want, got interface{}) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected result (-want +got):\n%s", diff)
	}
}
