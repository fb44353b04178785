/*
 * Revamp
 * Copyright (C) 2025  Revamp Proxy Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package utils

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// IsDir is a helper function to quickly check if a given path is a valid directory
func IsDir(dirPath string) bool {
	fi, err := os.Stat(dirPath)
	if err == nil {
		return fi.IsDir()
	}
	return false
}

// EnsureDir creates the directory with the given mode if it does not exist.
func EnsureDir(path string, mode os.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// WriteFileAtomic writes data to a sibling temporary file, syncs it, and
// renames it over path. A crash mid-write leaves either the old content or
// the new content, never a torn file.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tempName := tempFile.Name()
	// The rename below makes the removal a no-op on success.
	defer os.Remove(tempName)

	if err := tempFile.Chmod(mode); err != nil {
		tempFile.Close()
		return trace.ConvertSystemError(err)
	}
	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tempFile.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any, mode os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(WriteFileAtomic(path, append(data, '\n'), mode))
}

// ReadJSON loads the JSON file at path into v. Returns trace.NotFound when
// the file does not exist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return trace.NotFound("%v is not present", path)
		}
		return trace.ConvertSystemError(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return trace.BadParameter("failed to parse %v: %v", path, err)
	}
	return nil
}
