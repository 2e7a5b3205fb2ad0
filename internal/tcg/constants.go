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

// Package tcg holds the handle and register assignments from the TCG
// provisioning and PC client platform specifications that this module
// relies on.
package tcg

import (
	"github.com/canonical/go-tpm2"
)

const (
	// EKHandle is the reserved handle of the RSA endorsement key, used
	// to salt HMAC sessions when it is present.
	EKHandle tpm2.Handle = 0x81010001

	// SRKHandle is the reserved handle of the RSA storage root key.
	SRKHandle tpm2.Handle = 0x81000001

	// OwnerPersistentHandleFirst and OwnerPersistentHandleLast bound
	// the persistent handle range assigned to the storage hierarchy.
	OwnerPersistentHandleFirst tpm2.Handle = 0x81000000
	OwnerPersistentHandleLast  tpm2.Handle = 0x817fffff

	// DebugPCR is the register reserved for debug use.
	DebugPCR = 16

	// ApplicationPCR is the register reserved for application use.
	ApplicationPCR = 23

	// MaxPCR is the highest register index on a PC client TPM.
	MaxPCR = 23
)
