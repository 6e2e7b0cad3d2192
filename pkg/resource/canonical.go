// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//
// Canonicalization strips the parts of an object the author does not
// control: server-injected metadata, controller-managed labels and the
// per-kind defaults the API server fills in. The canonical form is the
// basis for fingerprinting and comparison, so two objects that differ
// only in such noise hash and compare equal.

package resource

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

const (
	// legacyRBACAPIVersion is the deprecated OpenShift authorization
	// group still reported by older clusters for RBAC objects.
	legacyRBACAPIVersion = "authorization.openshift.io/v1"
	// stableRBACAPIVersion is the upstream RBAC group.
	stableRBACAPIVersion = RBACGroup + "/v1"

	// revisionAnnotation tracks deployment rollout revisions and is
	// bumped by the controller on every rollout.
	revisionAnnotation = "deployment.kubernetes.io/revision"
	// providedAPIsAnnotation is injected into OperatorGroups by OLM.
	providedAPIsAnnotation = "olm.providedAPIs"
	// tlsAcmeAnnotation requests certificate management for a Route.
	tlsAcmeAnnotation = "kubernetes.io/tls-acme"

	// dockercfgMarker identifies pull secrets minted by the cluster for
	// a service account rather than declared by an author.
	dockercfgMarker = "dockercfg"
)

// acmeStatusAnnotations are written onto a Route by the acme controller
// while a certificate order is in flight.
var acmeStatusAnnotations = []string{
	"kubernetes.io/tls-acme-awaiting-authorization-owner",
	"kubernetes.io/tls-acme-awaiting-authorization-at-url",
}

// serverManagedMetadata lists the metadata fields the API server owns.
// The namespace is included because desired objects are addressed by
// their inventory bucket, not by an embedded namespace field.
var serverManagedMetadata = []string{
	"creationTimestamp",
	"resourceVersion",
	"generation",
	"selfLink",
	"uid",
	"namespace",
	"managedFields",
}

// Config is the injected canonicalization configuration. It is built
// once and treated as immutable afterwards.
type Config struct {
	// ManagedLabels maps a kind to the label keys a controller injects
	// into live objects of that kind. An entry ending in '*' matches
	// every label key with that prefix. Labels matching the table are
	// stripped from the canonical form and tolerated as extra keys
	// during comparison.
	ManagedLabels map[string][]string
}

// DefaultConfig returns the managed-label table observed in production.
// The table is intentionally extensible; only the ACM managed-cluster
// kind is known to need entries today.
func DefaultConfig() Config {
	return Config{
		ManagedLabels: map[string][]string{
			"ManagedCluster": {
				"cloud",
				"clusterID",
				"managed-by",
				"name",
				"openshiftVersion",
				"vendor",
				"feature.open-cluster-management.io/*",
			},
		},
	}
}

// IsManagedLabel reports whether the label key on objects of the given
// kind is injected by a controller according to the table.
func (c Config) IsManagedLabel(kind, key string) bool {
	for _, entry := range c.ManagedLabels[kind] {
		if prefix, ok := strings.CutSuffix(entry, "*"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
		} else if key == entry {
			return true
		}
	}
	return false
}

// normalizeFunc applies kind-specific default elision in place. The
// object passed in is always a private deep copy.
type normalizeFunc func(obj map[string]interface{})

// Canonicalizer turns raw resource documents into their canonical form.
// It is safe for concurrent use.
type Canonicalizer struct {
	cfg   Config
	kinds map[string]normalizeFunc
}

// NewCanonicalizer builds a Canonicalizer with the per-kind registry.
// Kinds absent from the registry get the unconditional rules only.
func NewCanonicalizer(cfg Config) *Canonicalizer {
	return &Canonicalizer{
		cfg: cfg,
		kinds: map[string]normalizeFunc{
			"ConfigMap":      dropOpaqueType,
			"Secret":         normalizeSecret,
			"Deployment":     normalizeDeployment,
			"Route":          normalizeRoute,
			"ServiceAccount": normalizeServiceAccount,
			"Role":           normalizeRole,
			"RoleBinding": func(obj map[string]interface{}) {
				normalizeBinding(obj, legacyRBACAPIVersion)
			},
			"ClusterRoleBinding": func(obj map[string]interface{}) {
				normalizeBinding(obj, stableRBACAPIVersion)
			},
			"Service":       normalizeService,
			"OperatorGroup": normalizeOperatorGroup,
		},
	}
}

// Canonicalize returns the canonical form of the passed object. It is
// total and deterministic, never modifies its input, and applying it a
// second time returns an equal tree.
func (c *Canonicalizer) Canonicalize(u *unstructured.Unstructured) *unstructured.Unstructured {
	obj := runtime.DeepCopyJSON(u.Object)
	kind, _ := obj["kind"].(string)
	stripServerMetadata(obj)
	c.stripManagedLabels(kind, obj)
	if normalize, ok := c.kinds[kind]; ok {
		normalize(obj)
	}
	return &unstructured.Unstructured{Object: obj}
}

func stripServerMetadata(obj map[string]interface{}) {
	delete(obj, "status")
	meta, ok := obj["metadata"].(map[string]interface{})
	if !ok {
		return
	}
	for _, f := range serverManagedMetadata {
		delete(meta, f)
	}
	if annotations, ok := meta["annotations"].(map[string]interface{}); ok {
		delete(annotations, corev1.LastAppliedConfigAnnotation)
		for _, key := range provenanceAnnotations {
			delete(annotations, key)
		}
		if len(annotations) == 0 {
			delete(meta, "annotations")
		}
	}
}

func (c *Canonicalizer) stripManagedLabels(kind string, obj map[string]interface{}) {
	meta, ok := obj["metadata"].(map[string]interface{})
	if !ok {
		return
	}
	labels, ok := meta["labels"].(map[string]interface{})
	if !ok {
		return
	}
	for key := range labels {
		if c.cfg.IsManagedLabel(kind, key) {
			delete(labels, key)
		}
	}
	if len(labels) == 0 {
		delete(meta, "labels")
	}
}

// dropOpaqueType removes the "Opaque" type field the server assigns to
// ConfigMaps and Secrets that declare no explicit type.
func dropOpaqueType(obj map[string]interface{}) {
	if t, _ := obj["type"].(string); t == string(corev1.SecretTypeOpaque) {
		delete(obj, "type")
	}
}

func normalizeSecret(obj map[string]interface{}) {
	dropOpaqueType(obj)
	stringData, ok := obj["stringData"].(map[string]interface{})
	if !ok {
		return
	}
	data, ok := obj["data"].(map[string]interface{})
	if !ok {
		data = map[string]interface{}{}
	}
	for key, value := range stringData {
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprint(value)
		}
		data[key] = base64.StdEncoding.EncodeToString([]byte(s))
	}
	obj["data"] = data
	delete(obj, "stringData")
}

func normalizeDeployment(obj map[string]interface{}) {
	deleteAnnotation(obj, revisionAnnotation)
}

func normalizeOperatorGroup(obj map[string]interface{}) {
	deleteAnnotation(obj, providedAPIsAnnotation)
}

func normalizeRoute(obj map[string]interface{}) {
	spec, ok := obj["spec"].(map[string]interface{})
	if !ok {
		return
	}
	if wp, ok := spec["wildcardPolicy"].(string); ok && (wp == "" || wp == "None") {
		delete(spec, "wildcardPolicy")
	}
	if subdomain, ok := spec["subdomain"].(string); ok && subdomain == "" {
		delete(spec, "subdomain")
	}
	if value, _ := annotationValue(obj, tlsAcmeAnnotation); value == "true" {
		for _, key := range acmeStatusAnnotations {
			deleteAnnotation(obj, key)
		}
		// Key and certificate are provisioned by the acme controller.
		if tls, ok := spec["tls"].(map[string]interface{}); ok {
			delete(tls, "key")
			delete(tls, "certificate")
		}
	}
}

func normalizeServiceAccount(obj map[string]interface{}) {
	// Token secrets are minted per cluster and never declared.
	delete(obj, "secrets")
	pullSecrets, ok := obj["imagePullSecrets"].([]interface{})
	if !ok {
		return
	}
	kept := filterDockercfgSecrets(pullSecrets)
	if len(kept) == 0 {
		delete(obj, "imagePullSecrets")
		return
	}
	obj["imagePullSecrets"] = kept
}

// filterDockercfgSecrets drops pull-secret references whose name carries
// the dockercfg marker, keeping author-declared entries only.
func filterDockercfgSecrets(entries []interface{}) []interface{} {
	kept := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		if entry, ok := e.(map[string]interface{}); ok {
			if name, _ := entry["name"].(string); strings.Contains(name, dockercfgMarker) {
				continue
			}
		}
		kept = append(kept, e)
	}
	return kept
}

func normalizeRole(obj map[string]interface{}) {
	if apiVersion, _ := obj["apiVersion"].(string); apiVersion == legacyRBACAPIVersion {
		obj["apiVersion"] = stableRBACAPIVersion
	}
	rules, ok := obj["rules"].([]interface{})
	if !ok {
		return
	}
	for _, r := range rules {
		rule, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		sortStringEntries(rule, "resources")
		sortStringEntries(rule, "verbs")
		if restrictions, ok := rule["attributeRestrictions"]; ok && restrictions == nil {
			delete(rule, "attributeRestrictions")
		}
	}
}

// normalizeBinding prunes the roleRef/subject fields that are implied by
// the binding's own apiVersion and normalizes the apiVersion toward the
// target string. RoleBindings normalize toward the legacy group and
// ClusterRoleBindings toward the stable one, matching what clusters
// historically report for each kind.
func normalizeBinding(obj map[string]interface{}, target string) {
	delete(obj, "userNames")
	delete(obj, "groupNames")
	apiVersion, _ := obj["apiVersion"].(string)
	if roleRef, ok := obj["roleRef"].(map[string]interface{}); ok {
		delete(roleRef, "namespace")
		delete(roleRef, "kind")
		if group, _ := roleRef["apiGroup"].(string); group != "" && strings.Contains(apiVersion, group) {
			delete(roleRef, "apiGroup")
		}
	}
	if subjects, ok := obj["subjects"].([]interface{}); ok {
		for _, s := range subjects {
			subject, ok := s.(map[string]interface{})
			if !ok {
				continue
			}
			delete(subject, "namespace")
			if group, _ := subject["apiGroup"].(string); group != "" && strings.Contains(apiVersion, group) {
				delete(subject, "apiGroup")
			}
		}
	}
	switch {
	case target == legacyRBACAPIVersion && apiVersion == stableRBACAPIVersion,
		target == stableRBACAPIVersion && apiVersion == legacyRBACAPIVersion:
		obj["apiVersion"] = target
	}
}

func normalizeService(obj map[string]interface{}) {
	spec, ok := obj["spec"].(map[string]interface{})
	if !ok {
		return
	}
	if affinity, _ := spec["sessionAffinity"].(string); affinity == string(corev1.ServiceAffinityNone) {
		delete(spec, "sessionAffinity")
	}
	if svcType, _ := spec["type"].(string); svcType == string(corev1.ServiceTypeClusterIP) {
		delete(spec, "clusterIP")
	}
}

func annotationValue(obj map[string]interface{}, key string) (string, bool) {
	meta, ok := obj["metadata"].(map[string]interface{})
	if !ok {
		return "", false
	}
	annotations, ok := meta["annotations"].(map[string]interface{})
	if !ok {
		return "", false
	}
	value, found := annotations[key]
	s, _ := value.(string)
	return s, found
}

func deleteAnnotation(obj map[string]interface{}, key string) {
	meta, ok := obj["metadata"].(map[string]interface{})
	if !ok {
		return
	}
	annotations, ok := meta["annotations"].(map[string]interface{})
	if !ok {
		return
	}
	delete(annotations, key)
	if len(annotations) == 0 {
		delete(meta, "annotations")
	}
}

func sortStringEntries(rule map[string]interface{}, key string) {
	entries, ok := rule[key].([]interface{})
	if !ok {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return fmt.Sprint(entries[i]) < fmt.Sprint(entries[j])
	})
}
