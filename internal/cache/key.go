// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxKeyLength is the longest key Fingerprint returns verbatim.
const maxKeyLength = 200

var keyEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// Fingerprint builds a cache key from request parts. Parts are joined with
// "|" after escaping, so ("a|b") and ("a", "b") yield different keys. Keys
// longer than 200 bytes are replaced by a SHA-256 digest.
func Fingerprint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = keyEscaper.Replace(p)
	}
	key := strings.Join(escaped, "|")
	if len(key) <= maxKeyLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "sha256:" + hex.EncodeToString(sum[:])
}
