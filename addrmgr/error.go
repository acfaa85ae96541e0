// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"errors"
	"fmt"
)

// ErrNotExist is returned by a Store's Reader when the underlying peers file
// or key has never been written.
var ErrNotExist = errors.New("addrmgr: store entry does not exist")

// ManagerError describes an issue with the address manager, such as an
// operation performed against an address it does not know about.
type ManagerError struct {
	Func        string
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e *ManagerError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("%s: %s", e.Func, e.Description)
	}
	return e.Description
}

// makeError creates a ManagerError for the given function and description.
func makeError(f, desc string) *ManagerError {
	return &ManagerError{Func: f, Description: desc}
}
