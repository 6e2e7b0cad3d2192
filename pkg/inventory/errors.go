// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//
// Errors raised while populating the inventory.

package inventory

import (
	"fmt"
)

// DuplicateDesiredError reports that two desired specs computed the same
// name within one bucket. This is a data or programming error: the first
// document wins, the error is registered on the inventory, and the rest
// of the run continues while still reporting overall failure.
type DuplicateDesiredError struct {
	Key  Key
	Name string
}

func (e *DuplicateDesiredError) Error() string {
	return fmt.Sprintf("desired resource %q already exists in %s", e.Name, e.Key)
}

// Is returns true if the specified error is a DuplicateDesiredError for
// the same bucket and name.
func (e *DuplicateDesiredError) Is(err error) bool {
	tErr, ok := err.(*DuplicateDesiredError)
	if !ok {
		return false
	}
	return e.Key == tErr.Key && e.Name == tErr.Name
}

// NameAlreadyManagedError reports an attempt to claim a resource name
// outside the bucket's managed-names allow-list. This is a policy
// boundary, not a failure: the caller logs it and skips the add.
type NameAlreadyManagedError struct {
	Key  Key
	Name string
}

func (e *NameAlreadyManagedError) Error() string {
	return fmt.Sprintf("resource %q is not in the managed names of %s", e.Name, e.Key)
}

// Is returns true if the specified error is a NameAlreadyManagedError
// for the same bucket and name.
func (e *NameAlreadyManagedError) Is(err error) bool {
	tErr, ok := err.(*NameAlreadyManagedError)
	if !ok {
		return false
	}
	return e.Key == tErr.Key && e.Name == tErr.Name
}

// UninitializedTypeError reports an AddDesired against a bucket that was
// never initialized. Integrations must call InitializeType for every
// (cluster, namespace, type) they intend to populate.
type UninitializedTypeError struct {
	Key Key
}

func (e *UninitializedTypeError) Error() string {
	return fmt.Sprintf("resource type %s has not been initialized", e.Key)
}
