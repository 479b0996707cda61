// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imvj

import (
	"fmt"
	"slices"
)

// CouplingData is the local part of one coupled quantity.
type CouplingData struct {
	// Output x̃ of the coupled solvers in the current iteration. The accelerator
	// overwrites it with the next iterate.
	Values []float64
	// Input x of the current iteration.
	OldValues []float64
}

// DataMap holds the coupling data by ID.
type DataMap map[int]*CouplingData

// secondaryIDs returns the sorted IDs of data that is not accelerated.
func (d DataMap) secondaryIDs(primary []int) []int {
	var ids []int
	for id := range d {
		if !slices.Contains(primary, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// concatenate copies the values and old values of ids into values and old.
func (d DataMap) concatenate(ids []int, values, old []float64) error {
	off := 0
	for _, id := range ids {
		c, ok := d[id]
		if !ok {
			return fmt.Errorf("%w: coupling data %d missing", ErrDimension, id)
		}
		if len(c.Values) != len(c.OldValues) || off+len(c.Values) > len(values) {
			return fmt.Errorf("%w: coupling data %d has %d values and %d old values", ErrDimension, id, len(c.Values), len(c.OldValues))
		}
		copy(values[off:], c.Values)
		copy(old[off:], c.OldValues)
		off += len(c.Values)
	}
	if off != len(values) {
		return fmt.Errorf("%w: coupling data holds %d values, want %d", ErrDimension, off, len(values))
	}
	return nil
}

// split writes the concatenated values back into the data of ids.
func (d DataMap) split(ids []int, values []float64) {
	off := 0
	for _, id := range ids {
		c := d[id]
		off += copy(c.Values, values[off:])
	}
}

// relax sets the values of ids to ω·x̃ + (1-ω)·x.
func (d DataMap) relax(ids []int, omega float64) {
	for _, id := range ids {
		c := d[id]
		for i, x := range c.Values {
			c.Values[i] = omega*x + (1-omega)*c.OldValues[i]
		}
	}
}
