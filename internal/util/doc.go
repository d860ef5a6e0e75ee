// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small file and text helpers shared across packages.
//
//   - AtomicWriteFile: temp file, fsync, rename
//   - TruncateWidth, PadRight, StringWidth: column-aware text for tables
//   - TruncateRunes, SingleLine: rune-safe shortening of previews
package util
