// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//
// Errors raised while constructing resource documents.

package resource

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ConstructionError captures validation failures for a single resource
// document. It is fatal for that resource only: the integration must not
// add the document to the inventory, but other resources in the same run
// are unaffected.
type ConstructionError struct {
	Kind        string
	Name        string
	FieldErrors field.ErrorList
	// Details optionally carries integration-supplied context that helps
	// an operator locate the offending declaration in the data source.
	Details string
}

func (e *ConstructionError) Error() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "invalid resource %q (kind %q)", e.Name, e.Kind)
	if agg := e.FieldErrors.ToAggregate(); agg != nil {
		b.WriteString(": ")
		b.WriteString(agg.Error())
	}
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	return b.String()
}

// Is returns true if the specified error is a ConstructionError for the
// same kind and name. Use errors.Is(error) to recursively check if an
// error wraps this error.
func (e *ConstructionError) Is(err error) bool {
	tErr, ok := err.(*ConstructionError)
	if !ok {
		return false
	}
	return e.Kind == tErr.Kind && e.Name == tErr.Name
}
