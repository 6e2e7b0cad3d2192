// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//
// Document is the unit of reconciliation: one declared (desired) or
// observed (current) infrastructure object, carried as an unstructured
// tree plus provenance describing which integration computed it.

package resource

import (
	"strings"

	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// rbacKinds lists the kinds whose object names historically carry
// shapes (colons, mixed case) that do not satisfy DNS-1123 subdomain
// rules. Name validation is skipped for them, matching API server
// behavior for the RBAC group.
var rbacKinds = map[string]bool{
	"Role":               true,
	"ClusterRole":        true,
	"RoleBinding":        true,
	"ClusterRoleBinding": true,
}

// RBACGroup is the stable API group the RBAC kinds normalize toward.
const RBACGroup = rbacv1.GroupName

// Document is one infrastructure object tracked by the engine, either
// computed by an integration (desired side) or deserialized from a live
// API response (current side). A Document is immutable once constructed;
// every mutation path (such as Annotate) returns a new Document.
type Document struct {
	// Body is the full object tree. Callers must not modify it.
	Body *unstructured.Unstructured
	// Integration is the name of the integration that computed or
	// fetched the object.
	Integration string
	// IntegrationVersion is the semantic version of that integration.
	IntegrationVersion string
	// Caller optionally identifies the data-source entity on whose
	// behalf the object was computed.
	Caller string
	// ErrorDetails optionally carries context surfaced alongside
	// construction errors for this object.
	ErrorDetails string
}

// New validates the passed body and wraps it into a Document. It returns
// a ConstructionError when the body has no kind or name, when the name
// violates DNS-1123 subdomain rules (RBAC kinds excepted), or when a pod
// template container carries an invalid DNS-1123 label name.
func New(body map[string]interface{}, integration, integrationVersion string, opts ...Option) (*Document, error) {
	doc := &Document{
		Body:               &unstructured.Unstructured{Object: body},
		Integration:        integration,
		IntegrationVersion: integrationVersion,
	}
	for _, opt := range opts {
		opt(doc)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Option configures optional Document fields at construction.
type Option func(*Document)

// WithCaller records the caller identity that Annotate will inject.
func WithCaller(caller string) Option {
	return func(d *Document) { d.Caller = caller }
}

// WithErrorDetails attaches diagnostic context to construction errors.
func WithErrorDetails(details string) Option {
	return func(d *Document) { d.ErrorDetails = details }
}

// Kind returns the object kind, or the empty string when absent.
func (d *Document) Kind() string {
	return d.Body.GetKind()
}

// Name returns the object name, or the empty string when absent.
func (d *Document) Name() string {
	return d.Body.GetName()
}

// APIVersion returns the object apiVersion, or the empty string.
func (d *Document) APIVersion() string {
	return d.Body.GetAPIVersion()
}

// Type returns the fully qualified resource type: "<Kind>.<group>" when
// the object's apiVersion carries an API group, bare "<Kind>" otherwise.
// Same-named kinds in different API groups map to distinct types.
func (d *Document) Type() string {
	return FullyQualifiedType(d.Kind(), d.APIVersion())
}

// FullyQualifiedType builds the inventory type key for a kind and
// apiVersion pair.
func FullyQualifiedType(kind, apiVersion string) string {
	if group, _, found := strings.Cut(apiVersion, "/"); found {
		return kind + "." + group
	}
	return kind
}

func (d *Document) validate() error {
	kind := d.Kind()
	name := d.Name()
	var errList field.ErrorList
	if kind == "" {
		errList = append(errList, field.Required(field.NewPath("kind"), "kind is required"))
	}
	if name == "" {
		errList = append(errList, field.Required(field.NewPath("metadata", "name"), "name is required"))
	}
	if name != "" && !rbacKinds[kind] {
		for _, msg := range validation.IsDNS1123Subdomain(name) {
			errList = append(errList, field.Invalid(field.NewPath("metadata", "name"), name, msg))
		}
	}
	errList = append(errList, d.validateContainerNames()...)
	if len(errList) > 0 {
		return &ConstructionError{
			Kind:        kind,
			Name:        name,
			FieldErrors: errList,
			Details:     d.ErrorDetails,
		}
	}
	return nil
}

// podTemplatePaths are the container list locations checked during
// construction. Covers pod, workload and cron-style layouts.
var podTemplatePaths = [][]string{
	{"spec", "containers"},
	{"spec", "template", "spec", "containers"},
	{"spec", "jobTemplate", "spec", "template", "spec", "containers"},
}

func (d *Document) validateContainerNames() field.ErrorList {
	var errList field.ErrorList
	for _, path := range podTemplatePaths {
		containers, found, err := unstructured.NestedSlice(d.Body.Object, path...)
		if err != nil || !found {
			continue
		}
		fldPath := field.NewPath(path[0], path[1:]...)
		for i, c := range containers {
			container, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := container["name"].(string)
			namePath := fldPath.Index(i).Child("name")
			if name == "" {
				errList = append(errList, field.Required(namePath, "container name is required"))
				continue
			}
			for _, msg := range validation.IsDNS1123Label(name) {
				errList = append(errList, field.Invalid(namePath, name, msg))
			}
		}
	}
	return errList
}
