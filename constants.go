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
	"github.com/canonical/go-tpm2"
)

const (
	// DefaultStagePCR is the register used to record the boot stage
	// when no other register is configured. It is otherwise unused by
	// firmware on common platforms.
	DefaultStagePCR = 14

	// DefaultSealedObjectHandle is the persistent handle at which the
	// sealed object is stored when no other handle is configured.
	DefaultSealedObjectHandle tpm2.Handle = 0x81000100

	// RecoveryKeySlot is the LUKS key slot holding the recovery passphrase.
	// It is never modified by this package.
	RecoveryKeySlot = 0

	// DefaultKeySlot is the LUKS key slot that receives the sealed secret.
	DefaultKeySlot = 1

	// DefaultBootMode is the boot mode sealed against when none is given.
	DefaultBootMode = "linux"

	// SecretSize is the size in bytes of the generated disk secret.
	SecretSize = 32

	// PCRAlgorithm is the register bank and policy digest algorithm.
	PCRAlgorithm = tpm2.HashAlgorithmSHA256
)
