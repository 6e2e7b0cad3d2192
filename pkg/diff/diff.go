// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//
// The change classifier decides whether a live object needs an apply to
// converge on the desired state. A fast path compares the fingerprint
// recorded on the live object against the fingerprint of the desired
// canonical form; when that is inconclusive, a structural JSON patch
// between the two canonical forms is computed and filtered down to the
// operations that represent real drift.

package diff

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	jsonpatch "gomodules.xyz/jsonpatch/v2"
	"k8s.io/klog/v2"

	"github.com/app-sre/qontract-reconcile-sub006/pkg/compare"
	"github.com/app-sre/qontract-reconcile-sub006/pkg/jsonpath"
	"github.com/app-sre/qontract-reconcile-sub006/pkg/resource"
)

// envEmptyValuePath matches patch paths that add an env var value, e.g.
// /spec/template/spec/containers/0/env/3/value. The server strips empty
// values from env entries, so adding one back is not a real change.
var envEmptyValuePath = regexp.MustCompile(`/env/\d+/value$`)

// Classifier combines the fingerprint fast path with the structural
// patch fallback. It is safe for concurrent use.
type Classifier struct {
	canon *resource.Canonicalizer
}

// New returns a Classifier using the passed Canonicalizer for both the
// fast-path fingerprint and the slow-path normalization.
func New(canon *resource.Canonicalizer) *Classifier {
	return &Classifier{canon: canon}
}

// NeedsApply returns true when the current live object must be mutated
// to converge on the desired state. Missing or unparsable provenance on
// the current object fails open to apply: converging is preferred over
// skipping a possibly redundant write. An ownership change (different
// integration, or a different integration major version) always forces
// an apply.
func (c *Classifier) NeedsApply(current, desired *resource.Document) (bool, error) {
	storedFingerprint, ok := current.StoredFingerprint()
	if !ok {
		klog.V(4).Infof("%s/%s: no fingerprint on current object, apply",
			desired.Kind(), desired.Name())
		return true, nil
	}
	currentMajor, ok := storedIntegrationMajor(current)
	if !ok {
		klog.V(4).Infof("%s/%s: unparsable integration version on current object, apply",
			desired.Kind(), desired.Name())
		return true, nil
	}
	if storedIntegration, _ := current.StoredIntegration(); storedIntegration != desired.Integration {
		klog.V(4).Infof("%s/%s: owner changing from %q to %q, apply",
			desired.Kind(), desired.Name(), storedIntegration, desired.Integration)
		return true, nil
	}
	desiredVersion, err := semver.NewVersion(desired.IntegrationVersion)
	if err != nil {
		return true, fmt.Errorf("parsing desired integration version %q: %w",
			desired.IntegrationVersion, err)
	}
	if currentMajor != desiredVersion.Major() {
		return true, nil
	}
	digest, err := c.canon.Fingerprint(desired.Body)
	if err != nil {
		return true, err
	}
	if storedFingerprint == digest {
		// The desired state has not changed since it was last applied,
		// independent of anything the cluster added since.
		return false, nil
	}
	ops, err := c.Changes(current, desired)
	if err != nil {
		return true, err
	}
	return len(ops) > 0, nil
}

// storedIntegrationMajor parses the integration version recorded on the
// current object and returns its major component. A missing or
// unparsable version reads as "no prior state".
func storedIntegrationMajor(current *resource.Document) (uint64, bool) {
	raw, ok := current.StoredIntegrationVersion()
	if !ok {
		return 0, false
	}
	version, err := semver.NewVersion(raw)
	if err != nil {
		return 0, false
	}
	return version.Major(), true
}

// Changes computes the structural patch from current to desired over the
// canonical forms of both objects and returns the operations that carry
// an actionable signal: adds and replaces, minus unit-equivalent CPU
// replacements and empty env-value additions. The returned paths are the
// exact locations that would force an apply.
func (c *Classifier) Changes(current, desired *resource.Document) ([]jsonpatch.Operation, error) {
	currentCanonical := c.canon.Canonicalize(current.Body)
	desiredCanonical := c.canon.Canonicalize(desired.Body)
	currentJSON, err := json.Marshal(currentCanonical.Object)
	if err != nil {
		return nil, fmt.Errorf("serializing current object: %w", err)
	}
	desiredJSON, err := json.Marshal(desiredCanonical.Object)
	if err != nil {
		return nil, fmt.Errorf("serializing desired object: %w", err)
	}
	ops, err := jsonpatch.CreatePatch(currentJSON, desiredJSON)
	if err != nil {
		return nil, fmt.Errorf("computing patch for %s/%s: %w",
			desired.Kind(), desired.Name(), err)
	}
	var valid []jsonpatch.Operation
	for _, op := range ops {
		keep, err := c.isValidOperation(op, currentCanonical.Object)
		if err != nil {
			return nil, err
		}
		if keep {
			valid = append(valid, op)
		}
	}
	if len(valid) > 0 && klog.V(4).Enabled() {
		for _, op := range valid {
			klog.Infof("%s/%s: %s %s", desired.Kind(), desired.Name(), op.Operation, op.Path)
		}
	}
	return valid, nil
}

func (c *Classifier) isValidOperation(op jsonpatch.Operation, current map[string]interface{}) (bool, error) {
	switch op.Operation {
	case "add", "replace":
	default:
		// Removals describe fields only the current side carries, which
		// the apply layer never acts on.
		return false, nil
	}
	if op.Operation == "replace" && strings.HasSuffix(op.Path, "/cpu") {
		oldValue, found, err := jsonpath.GetFirst(current, pointerToJSONPath(op.Path))
		if err != nil {
			return false, err
		}
		if found && compare.QuantityEquivalent(oldValue, op.Value) {
			return false, nil
		}
	}
	if op.Operation == "add" && envEmptyValuePath.MatchString(op.Path) && op.Value == "" {
		return false, nil
	}
	return true, nil
}

// pointerToJSONPath converts a JSON pointer ("/spec/containers/0/cpu")
// into the equivalent JSONPath expression. All-digit tokens are treated
// as list indexes.
func pointerToJSONPath(pointer string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token = strings.ReplaceAll(token, "~1", "/")
		token = strings.ReplaceAll(token, "~0", "~")
		if index, err := strconv.Atoi(token); err == nil {
			fmt.Fprintf(&b, "[%d]", index)
			continue
		}
		fmt.Fprintf(&b, "[%q]", token)
	}
	return b.String()
}
