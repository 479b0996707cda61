// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imvj

import "errors"

var (
	// ErrConfig reports an invalid configuration.
	ErrConfig = errors.New("imvj: invalid configuration")
	// ErrDimension reports operands whose shapes do not agree.
	ErrDimension = errors.New("imvj: dimension mismatch")
	// ErrChunkMismatch reports a stored (Wtil, Z) pair whose inner dimensions differ.
	ErrChunkMismatch = errors.New("imvj: chunk factors desynchronized")
	// ErrRestartType reports a restart requested with no usable restart strategy.
	ErrRestartType = errors.New("imvj: unknown restart type")
	// ErrNotInitialized reports use of an accelerator before Initialize or after Close.
	ErrNotInitialized = errors.New("imvj: accelerator not initialized")
)
