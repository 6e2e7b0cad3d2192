// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//
// Structural "desired is satisfied by current" comparison. The predicate
// walks every key the desired object declares and checks the current
// object carries an equivalent value, applying the semantic equivalences
// the API server introduces: unit-normalized CPU quantities, historical
// apiVersion aliases, server-stripped empty env values and cluster-
// injected pull secrets.

package compare

import (
	"fmt"
	"strings"

	apiresource "k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"

	"github.com/app-sre/qontract-reconcile-sub006/pkg/resource"
)

// apiVersionAliases maps each legacy apiVersion string to the stable one
// it is interchangeable with. Lookups are symmetric.
var apiVersionAliases = map[string]string{
	"extensions/v1beta1":   "apps/v1",
	"networking.k8s.io/v1": "extensions/v1beta1",
}

// Comparator evaluates whether a desired object is already satisfied by
// the current live object. It is stateless apart from the injected
// managed-label table and safe for concurrent use.
type Comparator struct {
	cfg resource.Config
}

// New returns a Comparator using the passed canonicalization config for
// controller-managed label tolerance.
func New(cfg resource.Config) *Comparator {
	return &Comparator{cfg: cfg}
}

// Satisfies returns true if every key present in the desired document's
// body is present and equivalent in the current document's body. Extra
// keys in current are not inspected, with one exception: label maps may
// only carry extra keys that the controller-managed table declares for
// the desired kind. The status subtree is ignored at the top level.
func (c *Comparator) Satisfies(desired, current *resource.Document) bool {
	kind := desired.Kind()
	currentObj := current.Body.Object
	for key, desiredValue := range desired.Body.Object {
		if key == "status" {
			continue
		}
		currentValue, found := currentObj[key]
		if !c.satisfiesValue(kind, key, desiredValue, currentValue, found) {
			klog.V(4).Infof("%s/%s: key %q not satisfied by current object",
				kind, desired.Name(), key)
			return false
		}
	}
	return true
}

// SatisfiesBody is Satisfies over bare object trees, for callers that
// have not wrapped their objects into Documents.
func (c *Comparator) SatisfiesBody(desired, current *unstructured.Unstructured) bool {
	return c.Satisfies(
		&resource.Document{Body: desired},
		&resource.Document{Body: current},
	)
}

func (c *Comparator) satisfiesValue(kind, key string, desired, current interface{}, found bool) bool {
	if !found {
		// A declared null or empty string is equivalent to the server
		// dropping the key entirely.
		return desired == nil || desired == ""
	}
	if key == "apiVersion" {
		return apiVersionEquivalent(desired, current)
	}
	if key == "cpu" {
		return quantityEquivalent(desired, current)
	}
	switch desiredValue := desired.(type) {
	case map[string]interface{}:
		currentValue, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		return c.satisfiesMap(kind, key, desiredValue, currentValue)
	case []interface{}:
		currentValue, ok := current.([]interface{})
		if !ok {
			return false
		}
		return c.satisfiesList(kind, key, desiredValue, currentValue)
	default:
		return scalarEquivalent(desired, current)
	}
}

func (c *Comparator) satisfiesMap(kind, key string, desired, current map[string]interface{}) bool {
	if key == "labels" {
		// Current may carry extra labels only when a controller is known
		// to inject them for this kind.
		for currentKey := range current {
			if _, declared := desired[currentKey]; declared {
				continue
			}
			if !c.cfg.IsManagedLabel(kind, currentKey) {
				return false
			}
		}
	}
	for desiredKey, desiredValue := range desired {
		currentValue, found := current[desiredKey]
		if !c.satisfiesValue(kind, desiredKey, desiredValue, currentValue, found) {
			return false
		}
	}
	return true
}

func (c *Comparator) satisfiesList(kind, key string, desired, current []interface{}) bool {
	if key == "env" {
		current = normalizeEnvEntries(current)
	}
	if key == "imagePullSecrets" {
		current = dropInjectedPullSecrets(current)
	}
	if len(desired) != len(current) {
		return false
	}
	for i := range desired {
		if !c.satisfiesValue(kind, key, desired[i], current[i], true) {
			return false
		}
	}
	return true
}

// normalizeEnvEntries restores the empty value the server strips from
// env entries, so {name: X} compares equal to {name: X, value: ""}.
func normalizeEnvEntries(entries []interface{}) []interface{} {
	normalized := make([]interface{}, len(entries))
	for i, e := range entries {
		entry, ok := e.(map[string]interface{})
		if ok {
			if _, hasName := entry["name"]; hasName && len(entry) == 1 {
				expanded := map[string]interface{}{"value": ""}
				for k, v := range entry {
					expanded[k] = v
				}
				entry = expanded
			}
			normalized[i] = entry
			continue
		}
		normalized[i] = e
	}
	return normalized
}

// dropInjectedPullSecrets removes pull secrets the cluster mints for
// service accounts before comparing the lists positionally.
func dropInjectedPullSecrets(entries []interface{}) []interface{} {
	kept := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		if entry, ok := e.(map[string]interface{}); ok {
			if name, _ := entry["name"].(string); strings.Contains(name, "dockercfg") {
				continue
			}
		}
		kept = append(kept, e)
	}
	return kept
}

// QuantityEquivalent compares two CPU values by their unit-normalized
// numeric quantity, so "2" cores equals "2000m" millicores. Values that
// do not parse as quantities fall back to literal equality. The change
// classifier uses the same rule to filter benign patch operations.
func QuantityEquivalent(desired, current interface{}) bool {
	return quantityEquivalent(desired, current)
}

func quantityEquivalent(desired, current interface{}) bool {
	desiredQty, desiredErr := parseQuantity(desired)
	currentQty, currentErr := parseQuantity(current)
	if desiredErr != nil || currentErr != nil {
		return scalarEquivalent(desired, current)
	}
	return desiredQty.Cmp(currentQty) == 0
}

func parseQuantity(value interface{}) (apiresource.Quantity, error) {
	switch v := value.(type) {
	case string:
		return apiresource.ParseQuantity(v)
	case int64:
		return *apiresource.NewQuantity(v, apiresource.DecimalSI), nil
	case float64:
		return *apiresource.NewMilliQuantity(int64(v*1000), apiresource.DecimalSI), nil
	default:
		return apiresource.Quantity{}, fmt.Errorf("not a quantity: %v", value)
	}
}

// apiVersionEquivalent treats historically interchangeable apiVersion
// strings as equal in either direction.
func apiVersionEquivalent(desired, current interface{}) bool {
	desiredStr, ok1 := desired.(string)
	currentStr, ok2 := current.(string)
	if !ok1 || !ok2 {
		return scalarEquivalent(desired, current)
	}
	if desiredStr == currentStr {
		return true
	}
	return apiVersionAliases[desiredStr] == currentStr ||
		apiVersionAliases[currentStr] == desiredStr
}

// scalarEquivalent compares two scalar values, tolerating the int64 vs
// float64 representations JSON and YAML decoders disagree on.
func scalarEquivalent(desired, current interface{}) bool {
	if desired == current {
		return true
	}
	desiredNum, ok1 := asFloat(desired)
	currentNum, ok2 := asFloat(current)
	return ok1 && ok2 && desiredNum == currentNum
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
