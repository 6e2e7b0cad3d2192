// Copyright 2023 The App-SRE Authors.
// SPDX-License-Identifier: Apache-2.0
//

package jsonpath

import (
	"encoding/json"
	"fmt"

	"github.com/spyzhov/ajson"
	"k8s.io/klog/v2"
)

// Get evaluates the JSONPath expression against the passed object tree
// and returns the list of matching values. A path that matches nothing
// returns an empty list, not an error.
//
// Uses ajson to support the full JSONPath spec, including filters.
func Get(obj map[string]interface{}, expression string) ([]interface{}, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input object: %w", err)
	}
	nodes, err := ajson.JSONPath(data, expression)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate jsonpath expression (%s): %w", expression, err)
	}
	klog.V(7).Infof("jsonpath %q matched %d node(s)", expression, len(nodes))
	values := make([]interface{}, 0, len(nodes))
	for _, node := range nodes {
		value, err := node.Unpack()
		if err != nil {
			return nil, fmt.Errorf("failed to unpack jsonpath result (%s): %w", expression, err)
		}
		values = append(values, value)
	}
	return values, nil
}

// GetFirst returns the first value matching the expression, or false
// when the expression matches nothing.
func GetFirst(obj map[string]interface{}, expression string) (interface{}, bool, error) {
	values, err := Get(obj, expression)
	if err != nil {
		return nil, false, err
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	return values[0], true, nil
}
