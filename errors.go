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

package tpmseal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPolicyCheckFailed is returned from SecureElement.Unseal when the
	// current register values don't satisfy the sealed object's
	// authorization policy. This is the expected outcome of a self-check.
	ErrPolicyCheckFailed = errors.New("the authorization policy check failed during unsealing")

	// ErrNoSealedObject is returned when there is no sealed object at the
	// requested persistent handle.
	ErrNoSealedObject = errors.New("no sealed object at the requested handle")

	// ErrInvalidRecoveryPassphrase indicates that the supplied recovery
	// passphrase doesn't unlock the volume.
	ErrInvalidRecoveryPassphrase = errors.New("the recovery passphrase is incorrect")
)

// ConfigurationError is returned when the supplied configuration or the
// platform state makes an operation impossible, before anything has been
// modified.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.msg
}

// HardwareError is returned when a command to the secure element fails
// unexpectedly.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("secure element error during %s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// PartialSealError is returned from Seal when a failure occurs after the
// previous sealed object was evicted. The system is no longer able to unlock
// automatically and the recovery passphrase will be required on the next boot
// until sealing succeeds.
type PartialSealError struct {
	Step string
	Err  error
}

func (e *PartialSealError) Error() string {
	return fmt.Sprintf("sealing failed at step %q after the previous sealed object was removed "+
		"(the recovery passphrase will be needed on the next boot): %v", e.Step, e.Err)
}

func (e *PartialSealError) Unwrap() error {
	return e.Err
}

// Banner returns a prominent multi-line warning suitable for printing to a
// terminal.
func (e *PartialSealError) Banner() string {
	line := strings.Repeat("*", 72)
	return fmt.Sprintf("%s\n*** SEALING FAILED PART WAY THROUGH\n"+
		"*** Automatic unlocking is currently disabled. Keep the recovery\n"+
		"*** passphrase available and run the seal command again.\n"+
		"*** Failed step: %s\n*** Error: %v\n%s", line, e.Step, e.Err, line)
}

// SealDefectError describes a sealed object that doesn't protect the secret
// as intended. Seal evicts such an object and returns this wrapped in a
// *PartialSealError, as the previous object has already been removed.
type SealDefectError struct {
	msg string
}

func (e *SealDefectError) Error() string {
	return "the sealed object is defective: " + e.msg
}

// RecoveryRequiredError describes why the unlock hook fell back to asking
// for the recovery passphrase.
type RecoveryRequiredError struct {
	Err error
}

func (e *RecoveryRequiredError) Error() string {
	return "automatic unlocking failed, the recovery passphrase is required: " + e.Err.Error()
}

func (e *RecoveryRequiredError) Unwrap() error {
	return e.Err
}
