// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/app-sre/qontract-reconcile-sub006/pkg/resource"
)

func testDocument(t *testing.T, name string) *resource.Document {
	t.Helper()
	doc, err := resource.New(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]interface{}{
			"name": name,
		},
	}, "test-integration", "1.0.0")
	require.NoError(t, err)
	return doc
}

func TestAddDesiredRequiresInitialization(t *testing.T) {
	inv := New()
	err := inv.AddDesired("prod", "app", "ConfigMap", "a", testDocument(t, "a"), false)
	var uErr *UninitializedTypeError
	require.True(t, errors.As(err, &uErr))
}

func TestInitializeTypeIsIdempotent(t *testing.T) {
	inv := New()
	inv.InitializeType("prod", "app", "ConfigMap", nil)
	require.NoError(t, inv.AddDesired("prod", "app", "ConfigMap", "a", testDocument(t, "a"), false))

	// A second initialization must not reset existing data or attach a
	// new allow-list.
	inv.InitializeType("prod", "app", "ConfigMap", []string{"other"})
	doc, found := inv.GetDesired("prod", "app", "ConfigMap", "a")
	require.True(t, found)
	assert.Equal(t, "a", doc.Name())
	require.NoError(t, inv.AddDesired("prod", "app", "ConfigMap", "b", testDocument(t, "b"), false))
}

func TestAddDesiredDuplicate(t *testing.T) {
	inv := New()
	inv.InitializeType("prod", "app", "ConfigMap", nil)
	first := testDocument(t, "x")
	require.NoError(t, inv.AddDesired("prod", "app", "ConfigMap", "x", first, false))

	err := inv.AddDesired("prod", "app", "ConfigMap", "x", testDocument(t, "x"), false)
	var dErr *DuplicateDesiredError
	require.True(t, errors.As(err, &dErr))
	assert.Equal(t, "x", dErr.Name)

	// The first document wins.
	doc, found := inv.GetDesired("prod", "app", "ConfigMap", "x")
	require.True(t, found)
	assert.Same(t, first, doc)
}

func TestAddDesiredManagedNames(t *testing.T) {
	inv := New()
	inv.InitializeType("prod", "app", "ConfigMap", []string{"a"})

	err := inv.AddDesired("prod", "app", "ConfigMap", "b", testDocument(t, "b"), false)
	var mErr *NameAlreadyManagedError
	require.True(t, errors.As(err, &mErr))
	_, found := inv.GetDesired("prod", "app", "ConfigMap", "b")
	assert.False(t, found)

	require.NoError(t, inv.AddDesired("prod", "app", "ConfigMap", "a", testDocument(t, "a"), false))
	_, found = inv.GetDesired("prod", "app", "ConfigMap", "a")
	assert.True(t, found)
}

func TestAddDesiredPrivileged(t *testing.T) {
	inv := New()
	inv.InitializeType("prod", "app", "ConfigMap", nil)
	require.NoError(t, inv.AddDesired("prod", "app", "ConfigMap", "a", testDocument(t, "a"), true))
	require.NoError(t, inv.AddDesired("prod", "app", "ConfigMap", "b", testDocument(t, "b"), false))
	assert.True(t, inv.Privileged("prod", "app", "ConfigMap", "a"))
	assert.False(t, inv.Privileged("prod", "app", "ConfigMap", "b"))
}

func TestAddCurrentOverwrites(t *testing.T) {
	inv := New()
	inv.AddCurrent("prod", "app", "ConfigMap", "a", testDocument(t, "a"))
	second := testDocument(t, "a")
	inv.AddCurrent("prod", "app", "ConfigMap", "a", second)

	doc, found := inv.GetCurrent("prod", "app", "ConfigMap", "a")
	require.True(t, found)
	assert.Same(t, second, doc)
}

func TestGetDesiredByType(t *testing.T) {
	inv := New()
	inv.InitializeType("prod", "app", "ConfigMap", nil)
	require.NoError(t, inv.AddDesired("prod", "app", "ConfigMap", "a", testDocument(t, "a"), false))
	require.NoError(t, inv.AddDesired("prod", "app", "ConfigMap", "b", testDocument(t, "b"), false))

	desired, found := inv.GetDesiredByType("prod", "app", "ConfigMap")
	require.True(t, found)
	assert.Len(t, desired, 2)

	_, found = inv.GetDesiredByType("prod", "other", "ConfigMap")
	assert.False(t, found)
}

func TestVisitOrderIsDeterministic(t *testing.T) {
	inv := New()
	inv.InitializeType("prod", "app", "Service", nil)
	inv.InitializeType("dev", "app", "ConfigMap", nil)
	inv.InitializeType("prod", "app", "ConfigMap", nil)

	var visited []Key
	require.NoError(t, inv.Visit(func(key Key, bucket *Bucket) error {
		require.NotNil(t, bucket)
		visited = append(visited, key)
		return nil
	}))
	assert.Equal(t, []Key{
		{Cluster: "dev", Namespace: "app", Type: "ConfigMap"},
		{Cluster: "prod", Namespace: "app", Type: "ConfigMap"},
		{Cluster: "prod", Namespace: "app", Type: "Service"},
	}, visited)
}

func TestVisitStopsOnError(t *testing.T) {
	inv := New()
	inv.InitializeType("prod", "app", "ConfigMap", nil)
	inv.InitializeType("prod", "app", "Service", nil)

	sentinel := errors.New("stop")
	count := 0
	err := inv.Visit(func(Key, *Bucket) error {
		count++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, count)
}

func TestErrorRegistration(t *testing.T) {
	inv := New()
	assert.False(t, inv.HasErrorRegistered())
	assert.False(t, inv.HasClusterErrorRegistered("prod"))

	inv.RegisterClusterError("prod")
	assert.True(t, inv.HasErrorRegistered())
	assert.True(t, inv.HasClusterErrorRegistered("prod"))
	assert.False(t, inv.HasClusterErrorRegistered("dev"))

	other := New()
	other.RegisterError()
	assert.True(t, other.HasErrorRegistered())
	assert.False(t, other.HasClusterErrorRegistered("prod"))
}

func TestConcurrentPopulation(t *testing.T) {
	const workers = 50
	inv := New()

	docs := make(map[string]*resource.Document, workers)
	for w := 0; w < workers; w++ {
		name := fmt.Sprintf("resource-%d", w)
		docs[name] = testDocument(t, name)
	}

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for name, doc := range docs {
		wg.Add(1)
		go func(name string, doc *resource.Document) {
			defer wg.Done()
			inv.InitializeType("prod", "app", "ConfigMap", nil)
			errs <- inv.AddDesired("prod", "app", "ConfigMap", name, doc, false)
			inv.AddCurrent("prod", "app", "ConfigMap", name, doc)
		}(name, doc)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	desired, found := inv.GetDesiredByType("prod", "app", "ConfigMap")
	require.True(t, found)
	assert.Len(t, desired, workers)
	for w := 0; w < workers; w++ {
		_, found := inv.GetCurrent("prod", "app", "ConfigMap", fmt.Sprintf("resource-%d", w))
		assert.True(t, found)
	}
}
