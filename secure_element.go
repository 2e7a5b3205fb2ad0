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

// Transient corresponds to a transient object loaded in the secure element.
// A tpm2.ResourceContext satisfies this.
type Transient interface {
	Handle() tpm2.Handle
}

// SealedObject is the public and private area of a sealed object as returned
// from the secure element. The private area is only usable by the secure
// element that created it.
type SealedObject struct {
	Public  *tpm2.Public
	Private tpm2.Private
}

// SecureElement is the minimal set of TPM operations used for sealing and
// unsealing. It is implemented by a real TPM connection and by a software
// element for tests.
type SecureElement interface {
	// ReadRegisters returns the current values of the selected PCRs.
	ReadRegisters(pcrs tpm2.PCRSelectionList) (tpm2.PCRValues, error)

	// ExtendRegister measures data into the specified PCR of the
	// sha256 bank, such that its new value is H(old || H(data)).
	ExtendRegister(pcr int, data []byte) error

	// CreatePrimary creates a transient storage primary key.
	CreatePrimary() (Transient, error)

	// ComputePolicyDigest computes the authorization policy digest for a
	// single PolicyPCR assertion with the supplied selection and values,
	// without requiring the registers to hold those values.
	ComputePolicyDigest(alg tpm2.HashAlgorithmId, pcrs tpm2.PCRSelectionList, values tpm2.PCRValues) (tpm2.Digest, error)

	// CreateSealed creates a sealed data object containing secret under
	// the supplied primary key. The object can only be unsealed with a
	// policy session that matches policy.
	CreateSealed(primary Transient, policy tpm2.Digest, secret []byte) (*SealedObject, error)

	// LoadSealed loads a sealed object under the supplied primary key.
	LoadSealed(primary Transient, object *SealedObject) (Transient, error)

	// PersistAt makes a loaded object persistent at the supplied handle.
	PersistAt(object Transient, handle tpm2.Handle) error

	// Evict removes the persistent object at the supplied handle. It returns
	// ErrNoSealedObject if there isn't one.
	Evict(handle tpm2.Handle) error

	// Unseal runs a policy session asserting the current values of pcrs
	// and uses it to unseal the persistent object at handle. It returns
	// ErrPolicyCheckFailed if the policy isn't satisfied and
	// ErrNoSealedObject if there is no object at handle.
	Unseal(handle tpm2.Handle, pcrs tpm2.PCRSelectionList) ([]byte, error)

	// ReadPublic returns the public area of the persistent object at handle.
	ReadPublic(handle tpm2.Handle) (*tpm2.Public, error)

	// Flush removes a transient object.
	Flush(object Transient) error
}
