// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//

package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Fingerprint returns the hex SHA-256 digest of the canonical form of
// the passed object. The digest is computed over the canonical JSON
// serialization, which orders map keys lexicographically at every level,
// so any two trees with the same canonical content produce the same
// digest byte for byte. Hashing never considers the raw body: cosmetic
// or server-injected differences cannot change the fingerprint.
func (c *Canonicalizer) Fingerprint(u *unstructured.Unstructured) (string, error) {
	canonical := c.Canonicalize(u)
	data, err := json.Marshal(canonical.Object)
	if err != nil {
		return "", fmt.Errorf("serializing canonical form for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Annotate canonicalizes and fingerprints the document and returns a new
// Document whose body carries the provenance annotations: owning
// integration, integration version, content fingerprint, update
// timestamp, and the caller identity when set. The receiver is never
// modified. Annotate is the only path that produces the on-object
// fingerprint the change classifier consumes; call it exactly once per
// intended desired state.
func (d *Document) Annotate(c *Canonicalizer) (*Document, error) {
	digest, err := c.Fingerprint(d.Body)
	if err != nil {
		return nil, err
	}
	body := d.Body.DeepCopy()
	annotations := body.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[IntegrationAnnotation] = d.Integration
	annotations[IntegrationVersionAnnotation] = d.IntegrationVersion
	annotations[FingerprintAnnotation] = digest
	annotations[UpdateAnnotation] = time.Now().UTC().Format(time.RFC3339)
	if d.Caller != "" {
		annotations[CallerAnnotation] = d.Caller
	}
	body.SetAnnotations(annotations)
	return &Document{
		Body:               body,
		Integration:        d.Integration,
		IntegrationVersion: d.IntegrationVersion,
		Caller:             d.Caller,
		ErrorDetails:       d.ErrorDetails,
	}, nil
}

// Annotated reports whether the document body carries the provenance
// annotations injected by Annotate.
func (d *Document) Annotated() bool {
	_, hasIntegration := HasAnnotation(d.Body, IntegrationAnnotation)
	_, hasFingerprint := HasAnnotation(d.Body, FingerprintAnnotation)
	return hasIntegration && hasFingerprint
}

// StoredIntegration returns the owning integration recorded on the
// document body, if any.
func (d *Document) StoredIntegration() (string, bool) {
	return HasAnnotation(d.Body, IntegrationAnnotation)
}

// StoredIntegrationVersion returns the integration version recorded on
// the document body, if any.
func (d *Document) StoredIntegrationVersion() (string, bool) {
	return HasAnnotation(d.Body, IntegrationVersionAnnotation)
}

// StoredFingerprint returns the content fingerprint recorded on the
// document body, if any.
func (d *Document) StoredFingerprint() (string, bool) {
	return HasAnnotation(d.Body, FingerprintAnnotation)
}

// Equal reports whether two documents have the same canonical content.
func (d *Document) Equal(c *Canonicalizer, other *Document) (bool, error) {
	left, err := c.Fingerprint(d.Body)
	if err != nil {
		return false, err
	}
	right, err := c.Fingerprint(other.Body)
	if err != nil {
		return false, err
	}
	return left == right, nil
}
