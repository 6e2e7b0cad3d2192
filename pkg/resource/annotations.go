// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//

package resource

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Provenance annotation constants. These keys are written into every
// object the engine applies and are read back by the change classifier
// and by drift-detection tooling. They are part of the on-cluster
// contract and must not be renamed.
const (
	// IntegrationAnnotation records the integration that owns the object.
	IntegrationAnnotation = "qontract.integration"
	// IntegrationVersionAnnotation records the semantic version of the
	// owning integration. Only the major component is significant when
	// deciding whether an object needs to be re-applied.
	IntegrationVersionAnnotation = "qontract.integration_version"
	// FingerprintAnnotation records the content hash of the canonical
	// form of the object as it was last applied.
	FingerprintAnnotation = "qontract.sha256sum"
	// UpdateAnnotation records when the object was last annotated, UTC
	// with second precision.
	UpdateAnnotation = "qontract.update"
	// CallerAnnotation optionally records the data-source entity on
	// whose behalf the object was computed.
	CallerAnnotation = "qontract.caller_name"
)

// provenanceAnnotations lists every annotation the engine injects.
// Canonicalization strips all of them so that annotating an already
// annotated object is idempotent.
var provenanceAnnotations = []string{
	IntegrationAnnotation,
	IntegrationVersionAnnotation,
	FingerprintAnnotation,
	UpdateAnnotation,
	CallerAnnotation,
}

// HasAnnotation returns the annotation value and true if the passed
// annotation is present as one of the keys in the annotations map for
// the passed object; empty string and false otherwise.
func HasAnnotation(u *unstructured.Unstructured, key string) (string, bool) {
	if u == nil {
		return "", false
	}
	annotations := u.GetAnnotations()
	value, found := annotations[key]
	return value, found
}
