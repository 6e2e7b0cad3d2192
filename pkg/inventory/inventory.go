// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//
// The inventory is the shared bookkeeping structure of a reconciliation
// run. Integrations populate the desired side, the cluster fetchers
// populate the current side, and the apply layer walks the buckets to
// decide creates, updates and deletes. One inventory lives for exactly
// one run; nothing here persists.

package inventory

import (
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/app-sre/qontract-reconcile-sub006/pkg/resource"
)

// Key identifies one inventory bucket. Type is the fully qualified
// resource type, "<Kind>.<group>" or bare "<Kind>" for the core group
// (see resource.FullyQualifiedType).
type Key struct {
	Cluster   string
	Namespace string
	Type      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Cluster, k.Namespace, k.Type)
}

// Bucket holds the desired and current documents for one Key, the
// privilege flag per desired name, and the optional allow-list of
// names the owning integration may manage.
type Bucket struct {
	Desired map[string]*resource.Document
	Current map[string]*resource.Document
	// Privileged records, per desired name, whether applying the
	// resource requires elevated credentials.
	Privileged map[string]bool

	// managedNames, when non-nil, restricts which names may be added to
	// the desired side.
	managedNames []string
}

func newBucket(managedNames []string) *Bucket {
	return &Bucket{
		Desired:      map[string]*resource.Document{},
		Current:      map[string]*resource.Document{},
		Privileged:   map[string]bool{},
		managedNames: managedNames,
	}
}

// NameManaged reports whether the passed name may be claimed as desired
// in this bucket. Buckets without an allow-list accept every name.
func (b *Bucket) NameManaged(name string) bool {
	if b.managedNames == nil {
		return true
	}
	for _, managed := range b.managedNames {
		if managed == name {
			return true
		}
	}
	return false
}

// Inventory tracks desired and current state per (cluster, namespace,
// resource type) for one reconciliation run. A single mutex guards every
// mutating operation so concurrent per-cluster workers can populate it
// without external coordination. Reads (GetDesired, GetCurrent, Visit)
// are not synchronized: callers must finish populating a bucket before
// reading it, per the populate-then-apply run structure.
type Inventory struct {
	mu      sync.Mutex
	buckets map[Key]*Bucket

	errorRegistered bool
	clusterErrors   map[string]bool
}

// New returns an empty Inventory.
func New() *Inventory {
	return &Inventory{
		buckets:       map[Key]*Bucket{},
		clusterErrors: map[string]bool{},
	}
}

// InitializeType creates the bucket for the passed key if it does not
// exist yet. Initializing an existing bucket is a no-op and never resets
// data, so concurrent workers may initialize the same key freely. A
// non-nil managedNames restricts the names AddDesired will accept; it is
// only applied when the bucket is first created.
func (i *Inventory) InitializeType(cluster, namespace, resourceType string, managedNames []string) {
	key := Key{Cluster: cluster, Namespace: namespace, Type: resourceType}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.buckets[key]; exists {
		return
	}
	i.buckets[key] = newBucket(managedNames)
}

// AddDesired records a desired document under the passed name. It fails
// with NameAlreadyManagedError when the bucket's allow-list does not
// include the name, with DuplicateDesiredError when the name was already
// added, and with UninitializedTypeError when InitializeType was never
// called for the key. On any failure the bucket is left untouched.
func (i *Inventory) AddDesired(cluster, namespace, resourceType, name string, doc *resource.Document, privileged bool) error {
	key := Key{Cluster: cluster, Namespace: namespace, Type: resourceType}
	i.mu.Lock()
	defer i.mu.Unlock()
	bucket, exists := i.buckets[key]
	if !exists {
		return &UninitializedTypeError{Key: key}
	}
	if !bucket.NameManaged(name) {
		klog.V(2).Infof("skipping %s/%s: name not in managed names", key, name)
		return &NameAlreadyManagedError{Key: key, Name: name}
	}
	if _, exists := bucket.Desired[name]; exists {
		return &DuplicateDesiredError{Key: key, Name: name}
	}
	bucket.Desired[name] = doc
	bucket.Privileged[name] = privileged
	return nil
}

// AddCurrent records an observed document under the passed name,
// overwriting any previous observation. Current state may exist for
// types no integration initialized (the apply layer prunes it), so the
// bucket is created on demand.
func (i *Inventory) AddCurrent(cluster, namespace, resourceType, name string, doc *resource.Document) {
	key := Key{Cluster: cluster, Namespace: namespace, Type: resourceType}
	i.mu.Lock()
	defer i.mu.Unlock()
	bucket, exists := i.buckets[key]
	if !exists {
		bucket = newBucket(nil)
		i.buckets[key] = bucket
	}
	bucket.Current[name] = doc
}

// GetDesired returns the desired document for the passed coordinates.
func (i *Inventory) GetDesired(cluster, namespace, resourceType, name string) (*resource.Document, bool) {
	bucket, exists := i.buckets[Key{Cluster: cluster, Namespace: namespace, Type: resourceType}]
	if !exists {
		return nil, false
	}
	doc, exists := bucket.Desired[name]
	return doc, exists
}

// GetCurrent returns the observed document for the passed coordinates.
func (i *Inventory) GetCurrent(cluster, namespace, resourceType, name string) (*resource.Document, bool) {
	bucket, exists := i.buckets[Key{Cluster: cluster, Namespace: namespace, Type: resourceType}]
	if !exists {
		return nil, false
	}
	doc, exists := bucket.Current[name]
	return doc, exists
}

// GetDesiredByType returns the full desired map for a bucket, used by
// the apply layer to delete anything present in current but absent from
// desired. The returned map is the bucket's own; callers must not
// modify it.
func (i *Inventory) GetDesiredByType(cluster, namespace, resourceType string) (map[string]*resource.Document, bool) {
	bucket, exists := i.buckets[Key{Cluster: cluster, Namespace: namespace, Type: resourceType}]
	if !exists {
		return nil, false
	}
	return bucket.Desired, true
}

// Privileged reports whether the named desired resource was registered
// as requiring elevated credentials.
func (i *Inventory) Privileged(cluster, namespace, resourceType, name string) bool {
	bucket, exists := i.buckets[Key{Cluster: cluster, Namespace: namespace, Type: resourceType}]
	if !exists {
		return false
	}
	return bucket.Privileged[name]
}

// Visit calls fn for every bucket in deterministic key order. Returning
// an error from fn stops the walk and propagates the error.
func (i *Inventory) Visit(fn func(key Key, bucket *Bucket) error) error {
	keys := make([]Key, 0, len(i.buckets))
	for key := range i.buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool {
		return keys[a].String() < keys[b].String()
	})
	for _, key := range keys {
		if err := fn(key, i.buckets[key]); err != nil {
			return err
		}
	}
	return nil
}

// RegisterError marks the run as failed without aborting any worker's
// progress. The flag is sticky for the lifetime of the inventory.
func (i *Inventory) RegisterError() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errorRegistered = true
}

// RegisterClusterError marks both the run and the passed cluster as
// failed.
func (i *Inventory) RegisterClusterError(cluster string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errorRegistered = true
	i.clusterErrors[cluster] = true
}

// HasErrorRegistered reports whether any worker registered an error
// during this run.
func (i *Inventory) HasErrorRegistered() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.errorRegistered
}

// HasClusterErrorRegistered reports whether an error was registered for
// the passed cluster.
func (i *Inventory) HasClusterErrorRegistered(cluster string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clusterErrors[cluster]
}
