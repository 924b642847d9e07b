// Package jsonmerge implements RFC 7396 JSON merge patch. The server's
// update operation and the client's offline event application both run the
// same merge so replays converge.
package jsonmerge

import (
	"encoding/json"
	"fmt"
)

// Patch applies patch to target following RFC 7396: object keys merge
// recursively, null-valued keys erase the corresponding key, and a
// non-object patch replaces the target wholesale.
func Patch(target, patch json.RawMessage) (json.RawMessage, error) {
	var patchVal interface{}
	if err := json.Unmarshal(patch, &patchVal); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	patchObj, ok := patchVal.(map[string]interface{})
	if !ok {
		// Non-object patch replaces the document data entirely.
		return patch, nil
	}

	var targetVal interface{}
	if len(target) > 0 {
		if err := json.Unmarshal(target, &targetVal); err != nil {
			return nil, fmt.Errorf("decode target: %w", err)
		}
	}
	targetObj, ok := targetVal.(map[string]interface{})
	if !ok {
		targetObj = map[string]interface{}{}
	}

	merged := mergeObjects(targetObj, patchObj)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged document: %w", err)
	}
	return out, nil
}

func mergeObjects(target, patch map[string]interface{}) map[string]interface{} {
	for key, patchVal := range patch {
		if patchVal == nil {
			delete(target, key)
			continue
		}
		patchObj, patchIsObj := patchVal.(map[string]interface{})
		if !patchIsObj {
			target[key] = patchVal
			continue
		}
		targetObj, targetIsObj := target[key].(map[string]interface{})
		if !targetIsObj {
			targetObj = map[string]interface{}{}
		}
		target[key] = mergeObjects(targetObj, patchObj)
	}
	return target
}
