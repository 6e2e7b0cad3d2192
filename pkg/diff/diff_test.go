// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0

package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/app-sre/qontract-reconcile-sub006/pkg/resource"
	"github.com/app-sre/qontract-reconcile-sub006/pkg/testutil"
)

const webDeployment = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  replicas: 2
  template:
    spec:
      containers:
      - name: web
        image: quay.io/app/web:1.0
        resources:
          requests:
            cpu: "2"
`

func newClassifier() (*Classifier, *resource.Canonicalizer) {
	canon := resource.NewCanonicalizer(resource.DefaultConfig())
	return New(canon), canon
}

// annotate simulates the live side: the desired document as it looked
// when it was last applied, carrying the provenance annotations.
func annotate(t *testing.T, canon *resource.Canonicalizer, doc *resource.Document) *resource.Document {
	t.Helper()
	annotated, err := doc.Annotate(canon)
	require.NoError(t, err)
	return annotated
}

func TestNeedsApplyNoOpConvergence(t *testing.T) {
	classifier, canon := newClassifier()
	desired := testutil.YamlToDocument(t, webDeployment, "saas-deploy", "1.4.0")
	current := annotate(t, canon, desired)

	needed, err := classifier.NeedsApply(current, desired)
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestNeedsApplyMissingProvenance(t *testing.T) {
	classifier, _ := newClassifier()
	desired := testutil.YamlToDocument(t, webDeployment, "saas-deploy", "1.4.0")
	// The live object was never annotated: fail open to apply.
	current := testutil.YamlToDocument(t, webDeployment, "saas-deploy", "1.4.0")

	needed, err := classifier.NeedsApply(current, desired)
	require.NoError(t, err)
	assert.True(t, needed)
}

func TestNeedsApplyUnparsableVersion(t *testing.T) {
	classifier, canon := newClassifier()
	desired := testutil.YamlToDocument(t, webDeployment, "saas-deploy", "1.4.0")
	current := annotate(t, canon, desired)
	annotations := current.Body.GetAnnotations()
	annotations[resource.IntegrationVersionAnnotation] = "not-a-version"
	current.Body.SetAnnotations(annotations)

	needed, err := classifier.NeedsApply(current, desired)
	require.NoError(t, err)
	assert.True(t, needed)
}

func TestNeedsApplyOwnerSwitch(t *testing.T) {
	classifier, canon := newClassifier()
	previousOwner := testutil.YamlToDocument(t, webDeployment, "legacy-integration", "1.4.0")
	current := annotate(t, canon, previousOwner)
	desired := testutil.YamlToDocument(t, webDeployment, "saas-deploy", "1.4.0")

	needed, err := classifier.NeedsApply(current, desired)
	require.NoError(t, err)
	assert.True(t, needed)
}

func TestNeedsApplyMajorVersionBump(t *testing.T) {
	classifier, canon := newClassifier()
	current := annotate(t, canon, testutil.YamlToDocument(t, webDeployment, "saas-deploy", "1.4.0"))

	minorBump := testutil.YamlToDocument(t, webDeployment, "saas-deploy", "1.9.3")
	needed, err := classifier.NeedsApply(current, minorBump)
	require.NoError(t, err)
	assert.False(t, needed, "minor/patch bumps must not force an apply")

	majorBump := testutil.YamlToDocument(t, webDeployment, "saas-deploy", "2.0.0")
	needed, err = classifier.NeedsApply(current, majorBump)
	require.NoError(t, err)
	assert.True(t, needed)
}

func TestNeedsApplyRealChange(t *testing.T) {
	classifier, canon := newClassifier()
	applied := testutil.YamlToDocument(t, webDeployment, "saas-deploy", "1.4.0")
	current := annotate(t, canon, applied)

	desired := testutil.YamlToDocument(t, `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  replicas: 5
  template:
    spec:
      containers:
      - name: web
        image: quay.io/app/web:1.0
        resources:
          requests:
            cpu: "2"
`, "saas-deploy", "1.4.0")

	needed, err := classifier.NeedsApply(current, desired)
	require.NoError(t, err)
	assert.True(t, needed)

	ops, err := classifier.Changes(current, desired)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "replace", ops[0].Operation)
	assert.Equal(t, "/spec/replicas", ops[0].Path)
}

func TestNeedsApplyCPUUnits(t *testing.T) {
	classifier, canon := newClassifier()
	applied := testutil.YamlToDocument(t, `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  template:
    spec:
      containers:
      - name: web
        resources:
          requests:
            cpu: 2000m
`, "saas-deploy", "1.4.0")
	current := annotate(t, canon, applied)

	desired := testutil.YamlToDocument(t, `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  template:
    spec:
      containers:
      - name: web
        resources:
          requests:
            cpu: "2"
`, "saas-deploy", "1.4.0")

	// Fingerprints differ (the serialized cpu strings differ) but the
	// only patch operation is a unit-equivalent cpu replacement.
	needed, err := classifier.NeedsApply(current, desired)
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestNeedsApplyEmptyEnvValue(t *testing.T) {
	classifier, canon := newClassifier()
	applied := testutil.YamlToDocument(t, `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  template:
    spec:
      containers:
      - name: web
        env:
        - name: DEBUG
`, "saas-deploy", "1.4.0")
	current := annotate(t, canon, applied)

	desired := testutil.YamlToDocument(t, `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  template:
    spec:
      containers:
      - name: web
        env:
        - name: DEBUG
          value: ""
`, "saas-deploy", "1.4.0")

	needed, err := classifier.NeedsApply(current, desired)
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestChangesIgnoresRemovals(t *testing.T) {
	classifier, canon := newClassifier()
	applied := testutil.YamlToDocument(t, `
apiVersion: v1
kind: ConfigMap
metadata:
  name: app-config
data:
  key: value
  server-added: "true"
`, "saas-deploy", "1.4.0")
	current := annotate(t, canon, applied)

	desired := testutil.YamlToDocument(t, `
apiVersion: v1
kind: ConfigMap
metadata:
  name: app-config
data:
  key: value
`, "saas-deploy", "1.4.0")

	ops, err := classifier.Changes(current, desired)
	require.NoError(t, err)
	assert.Empty(t, ops, "removals on the current side are not actionable")
}

func TestPointerToJSONPath(t *testing.T) {
	testCases := map[string]struct {
		pointer  string
		expected string
	}{
		"top level":     {pointer: "/spec", expected: `$["spec"]`},
		"nested index":  {pointer: "/spec/containers/0/cpu", expected: `$["spec"]["containers"][0]["cpu"]`},
		"escaped slash": {pointer: "/metadata/annotations/a~1b", expected: `$["metadata"]["annotations"]["a/b"]`},
		"escaped tilde": {pointer: "/data/a~0b", expected: `$["data"]["a~b"]`},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, pointerToJSONPath(tc.pointer))
		})
	}
}
