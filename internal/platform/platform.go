// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package platform reports properties of the host that affect how much
// protection a sealed secret provides. None of these checks are fatal.
package platform

import (
	efi "github.com/canonical/go-efilib"
	"golang.org/x/xerrors"
)

var readSecureBootVariable = func() (bool, error) {
	return efi.ReadSecureBootVariable(efi.DefaultVarContext)
}

// SecureBootEnabled indicates whether UEFI secure boot is enabled. Without
// it, the firmware PCRs are the only thing that binds the secret to the
// boot chain.
func SecureBootEnabled() (bool, error) {
	enabled, err := readSecureBootVariable()
	if err != nil {
		return false, xerrors.Errorf("cannot read SecureBoot variable: %w", err)
	}
	return enabled, nil
}

// Status is a summary of the platform checks.
type Status struct {
	SecureBoot     bool
	SecureBootErr  error
	VirtualMachine bool
}

// Check runs all of the platform checks.
func Check() *Status {
	s := new(Status)
	s.SecureBoot, s.SecureBootErr = SecureBootEnabled()
	s.VirtualMachine = InVirtualMachine()
	return s
}

// Warnings returns a description of each check that reduces the protection
// provided by a sealed secret.
func (s *Status) Warnings() []string {
	var warnings []string
	switch {
	case s.SecureBootErr != nil:
		warnings = append(warnings, "cannot determine the secure boot state: "+s.SecureBootErr.Error())
	case !s.SecureBoot:
		warnings = append(warnings, "secure boot is disabled")
	}
	if s.VirtualMachine {
		warnings = append(warnings, "running in a virtual machine, the TPM may be emulated by the host")
	}
	return warnings
}
