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

package tpm2

import (
	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/templates"
	"github.com/canonical/go-tpm2/util"

	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal"
)

// SecureElement implements tpmseal.SecureElement on a TPM connection.
type SecureElement struct {
	tpm *Connection
}

// NewSecureElement returns a tpmseal.SecureElement that uses the supplied
// connection.
func NewSecureElement(tpm *Connection) *SecureElement {
	return &SecureElement{tpm: tpm}
}

func resourceContext(object tpmseal.Transient) (tpm2.ResourceContext, error) {
	rc, ok := object.(tpm2.ResourceContext)
	if !ok {
		return nil, xerrors.Errorf("object %v was not loaded by this TPM", object.Handle())
	}
	return rc, nil
}

// persistent returns a context for the persistent object at handle, or
// tpmseal.ErrNoSealedObject if there isn't one.
func (e *SecureElement) persistent(handle tpm2.Handle) (tpm2.ResourceContext, error) {
	rc, err := e.tpm.CreateResourceContextFromTPM(handle)
	switch {
	case tpm2.IsResourceUnavailableError(err, handle):
		return nil, tpmseal.ErrNoSealedObject
	case err != nil:
		return nil, xerrors.Errorf("cannot create context for %v: %w", handle, err)
	}
	return rc, nil
}

func (e *SecureElement) ReadRegisters(pcrs tpm2.PCRSelectionList) (tpm2.PCRValues, error) {
	_, values, err := e.tpm.PCRRead(pcrs)
	if err != nil {
		return nil, xerrors.Errorf("cannot read PCR values: %w", err)
	}
	return values, nil
}

func (e *SecureElement) ExtendRegister(pcr int, data []byte) error {
	if _, err := e.tpm.PCREvent(e.tpm.PCRHandleContext(pcr), data, nil); err != nil {
		return xerrors.Errorf("cannot extend PCR %d: %w", pcr, err)
	}
	return nil
}

func (e *SecureElement) CreatePrimary() (tpmseal.Transient, error) {
	srk, _, _, _, _, err := e.tpm.TPMContext.CreatePrimary(e.tpm.OwnerHandleContext(), nil, templates.NewRSAStorageKeyWithDefaults(), nil, nil, e.tpm.HmacSession())
	switch {
	case isAuthFailError(err, tpm2.CommandCreatePrimary, 1):
		return nil, ErrStorageHierarchyAuth
	case tpm2.IsTPMWarning(err, tpm2.WarningLockout, tpm2.CommandCreatePrimary):
		return nil, ErrTPMLockout
	case err != nil:
		return nil, xerrors.Errorf("cannot create storage primary key: %w", err)
	}
	return srk, nil
}

// ComputePolicyDigest runs a trial session with a single TPM2_PolicyPCR
// assertion, so that the digest is computed by the TPM rather than by us.
func (e *SecureElement) ComputePolicyDigest(alg tpm2.HashAlgorithmId, pcrs tpm2.PCRSelectionList, values tpm2.PCRValues) (tpm2.Digest, error) {
	pcrDigest, err := util.ComputePCRDigest(alg, pcrs, values)
	if err != nil {
		return nil, xerrors.Errorf("cannot compute PCR digest: %w", err)
	}

	session, err := e.tpm.StartAuthSession(nil, nil, tpm2.SessionTypeTrial, nil, alg)
	if err != nil {
		return nil, xerrors.Errorf("cannot start trial session: %w", err)
	}
	defer e.tpm.FlushContext(session)

	if err := e.tpm.PolicyPCR(session, pcrDigest, pcrs); err != nil {
		return nil, xerrors.Errorf("cannot execute PCR assertion: %w", err)
	}

	digest, err := e.tpm.PolicyGetDigest(session)
	if err != nil {
		return nil, xerrors.Errorf("cannot obtain policy digest: %w", err)
	}
	return digest, nil
}

func (e *SecureElement) CreateSealed(primary tpmseal.Transient, policy tpm2.Digest, secret []byte) (*tpmseal.SealedObject, error) {
	parent, err := resourceContext(primary)
	if err != nil {
		return nil, err
	}

	template := templates.NewSealedObject(tpm2.HashAlgorithmSHA256)
	template.Attrs &^= tpm2.AttrUserWithAuth
	template.AuthPolicy = policy

	sensitive := tpm2.SensitiveCreate{Data: secret}
	priv, pub, _, _, _, err := e.tpm.Create(parent, &sensitive, template, nil, nil, e.tpm.encryptSession())
	if err != nil {
		return nil, xerrors.Errorf("cannot create sealed object: %w", err)
	}
	return &tpmseal.SealedObject{Public: pub, Private: priv}, nil
}

func (e *SecureElement) LoadSealed(primary tpmseal.Transient, object *tpmseal.SealedObject) (tpmseal.Transient, error) {
	parent, err := resourceContext(primary)
	if err != nil {
		return nil, err
	}

	rc, err := e.tpm.Load(parent, object.Private, object.Public, e.tpm.HmacSession())
	switch {
	case isLoadInvalidParamError(err):
		return nil, xerrors.Errorf("the sealed object is not protected by the supplied primary key: %w", err)
	case err != nil:
		return nil, xerrors.Errorf("cannot load sealed object: %w", err)
	}
	return rc, nil
}

func (e *SecureElement) PersistAt(object tpmseal.Transient, handle tpm2.Handle) error {
	rc, err := resourceContext(object)
	if err != nil {
		return err
	}

	_, err = e.tpm.EvictControl(e.tpm.OwnerHandleContext(), rc, handle, e.tpm.HmacSession())
	switch {
	case tpm2.IsTPMError(err, tpm2.ErrorNVDefined, tpm2.CommandEvictControl):
		return TPMResourceExistsError{handle}
	case err != nil:
		return xerrors.Errorf("cannot persist object: %w", err)
	}
	return nil
}

func (e *SecureElement) Evict(handle tpm2.Handle) error {
	rc, err := e.persistent(handle)
	if err != nil {
		return err
	}
	if _, err := e.tpm.EvictControl(e.tpm.OwnerHandleContext(), rc, handle, e.tpm.HmacSession()); err != nil {
		return xerrors.Errorf("cannot evict object: %w", err)
	}
	return nil
}

// Unseal uses a policy session that is salted with the EK if there is one,
// with response encryption. This only provides protection against passive
// interposers.
func (e *SecureElement) Unseal(handle tpm2.Handle, pcrs tpm2.PCRSelectionList) ([]byte, error) {
	object, err := e.persistent(handle)
	if err != nil {
		return nil, err
	}

	var symmetric *tpm2.SymDef
	if e.tpm.ek != nil {
		symmetric = &sessionSymmetric
	}
	session, err := e.tpm.StartAuthSession(e.tpm.ek, nil, tpm2.SessionTypePolicy, symmetric, tpm2.HashAlgorithmSHA256)
	if err != nil {
		return nil, xerrors.Errorf("cannot start policy session: %w", err)
	}
	defer e.tpm.FlushContext(session)

	if err := e.tpm.PolicyPCR(session, nil, pcrs); err != nil {
		return nil, xerrors.Errorf("cannot execute PCR assertion: %w", err)
	}

	if e.tpm.ek != nil {
		session = session.WithAttrs(tpm2.AttrResponseEncrypt)
	}
	data, err := e.tpm.TPMContext.Unseal(object, session)
	switch {
	case tpm2.IsTPMWarning(err, tpm2.WarningLockout, tpm2.CommandUnseal):
		return nil, ErrTPMLockout
	case tpm2.IsTPMSessionError(err, tpm2.ErrorPolicyFail, tpm2.CommandUnseal, 1):
		return nil, tpmseal.ErrPolicyCheckFailed
	case err != nil:
		return nil, xerrors.Errorf("cannot unseal: %w", err)
	}
	return data, nil
}

func (e *SecureElement) ReadPublic(handle tpm2.Handle) (*tpm2.Public, error) {
	object, err := e.persistent(handle)
	if err != nil {
		return nil, err
	}
	pub, _, _, err := e.tpm.TPMContext.ReadPublic(object)
	if err != nil {
		return nil, xerrors.Errorf("cannot read public area: %w", err)
	}
	return pub, nil
}

func (e *SecureElement) Flush(object tpmseal.Transient) error {
	rc, err := resourceContext(object)
	if err != nil {
		return err
	}
	return e.tpm.FlushContext(rc)
}
