// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across baissd.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - TruncateWidth: display-width aware truncation for terminal tables
//   - StringWidth: display width of a string (East Asian wide runes count 2)
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// # Usage
//
//	// Truncate a long model path for the status table
//	display := util.TruncateWidth(path, 40)
//
//	// Write the config file atomically to prevent data loss
//	err := util.AtomicWriteFile(path, data, 0600)
package util
