// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package sensortoken

import (
	"path"
	"strings"
)

// matchPattern reports whether a glob pattern matches a name. "*" and
// "?" follow path.Match semantics (a "*" does not cross "/"); the
// pattern "**" matches everything; a "/**" suffix matches the prefix
// itself and any number of trailing segments. Malformed patterns
// never match.
func matchPattern(pattern, name string) bool {
	if pattern == "**" {
		return true
	}

	if suffix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if matched, err := path.Match(suffix, name); err == nil && matched {
			return true
		}
		if slash := strings.Index(name, "/"); slash >= 0 {
			matched, err := path.Match(suffix, name[:slash])
			return err == nil && matched
		}
		return false
	}

	matched, err := path.Match(pattern, name)
	return err == nil && matched
}

func matchAnyPattern(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, name) {
			return true
		}
	}
	return false
}
