// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pathsafety provides traversal-safe path joining for security-critical
// file operations.
//
// Every file the installer writes or deletes is addressed as a (root, filename)
// pair where root is an authorized storage directory and filename arrives from
// an untrusted caller. Joining the two naively allows "../" sequences to escape
// the root. Use Join for every such operation; never call filepath.Join on
// caller-supplied names directly.
package pathsafety

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned when a joined path would resolve outside its root.
var ErrUnsafePath = errors.New("unsafe path")

// Join joins root and name, guaranteeing the result stays under root.
//
// # Description
//
// Resolves root to an absolute path, joins name onto it, cleans the result,
// and verifies the cleaned path is still inside root. Rejects absolute names,
// traversal sequences, and any name that cleans to the root itself.
//
// # Inputs
//
//   - root: Authorized base directory. Must be non-empty.
//   - name: Caller-supplied file name, possibly containing subdirectories.
//
// # Outputs
//
//   - string: Absolute path strictly inside root.
//   - error: ErrUnsafePath (wrapped) if the result would escape root.
//
// # Examples
//
//	dest, err := pathsafety.Join("/data/checkpoints", "sd_xl_base.safetensors")
//	// dest == "/data/checkpoints/sd_xl_base.safetensors"
//
//	_, err = pathsafety.Join("/data/checkpoints", "../../etc/passwd")
//	// errors.Is(err, pathsafety.ErrUnsafePath) == true
func Join(root, name string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: empty root", ErrUnsafePath)
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafePath)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}

	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute name %q", ErrUnsafePath, name)
	}

	dest := filepath.Clean(filepath.Join(absRoot, name))
	if dest == absRoot {
		return "", fmt.Errorf("%w: name %q resolves to the root", ErrUnsafePath, name)
	}
	if !strings.HasPrefix(dest, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: name %q escapes root %q", ErrUnsafePath, name, root)
	}
	return dest, nil
}
