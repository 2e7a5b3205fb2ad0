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
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/canonical/go-tpm2"
	"github.com/snapcore/snapd/logger"
	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal/internal/luks2"
	"github.com/snapcore/tpmseal/internal/secret"
	"github.com/snapcore/tpmseal/internal/tcg"
)

// KeySlotInstaller provides access to the key slots of an encrypted volume.
type KeySlotInstaller interface {
	// TestPassphrase returns ErrInvalidRecoveryPassphrase if passphrase
	// doesn't unlock the volume.
	TestPassphrase(devicePath string, passphrase []byte) error

	// InstallKey replaces the key in slot with key, authenticating with
	// passphrase. No other slot is modified.
	InstallKey(devicePath string, slot int, key, passphrase []byte) error
}

type luks2KeySlots struct{}

func (luks2KeySlots) TestPassphrase(devicePath string, passphrase []byte) error {
	switch isLUKS2, err := luks2.IsLUKS2(devicePath); {
	case err != nil:
		return xerrors.Errorf("cannot determine the type of %s: %w", devicePath, err)
	case !isLUKS2:
		return &ConfigurationError{fmt.Sprintf("%s is not a LUKS2 volume", devicePath)}
	}

	err := luks2.TestPassphrase(devicePath, passphrase)
	switch {
	case err == luks2.ErrInvalidPassphrase:
		return ErrInvalidRecoveryPassphrase
	case err != nil:
		return xerrors.Errorf("cannot test recovery passphrase: %w", err)
	}
	return nil
}

func (luks2KeySlots) InstallKey(devicePath string, slot int, key, passphrase []byte) error {
	return luks2.InstallKey(devicePath, slot, key, passphrase)
}

// LUKS2KeySlots is the KeySlotInstaller for LUKS2 volumes, implemented with
// cryptsetup.
var LUKS2KeySlots KeySlotInstaller = luks2KeySlots{}

// Volume describes an encrypted volume.
type Volume struct {
	Name          string
	DevicePath    string
	HookInstalled bool // whether the unlock hook is configured for this volume
}

// SealParams are the parameters for Seal.
type SealParams struct {
	Policy PolicyParams

	// Handle is the persistent handle for the sealed object. Any object
	// already at this handle is replaced.
	Handle tpm2.Handle

	// Slot is the key slot that receives the secret. It cannot be the
	// recovery slot.
	Slot int

	// Volumes are the configured encrypted volumes. Exactly one is supported.
	Volumes []*Volume

	// Passphrase obtains the recovery passphrase for the volume. The
	// returned slice is wiped after use.
	Passphrase func() ([]byte, error)

	// KeySlots installs the secret in the volume. LUKS2KeySlots is used
	// if this is nil.
	KeySlots KeySlotInstaller

	// Rand is the source of the secret. crypto/rand is used if this is nil.
	Rand io.Reader
}

func (p *SealParams) validate() error {
	if err := p.Policy.validate(); err != nil {
		return err
	}
	switch {
	case p.Slot == RecoveryKeySlot:
		return &ConfigurationError{fmt.Sprintf("key slot %d holds the recovery passphrase", RecoveryKeySlot)}
	case p.Slot < 0:
		return &ConfigurationError{fmt.Sprintf("invalid key slot %d", p.Slot)}
	case p.Handle < tcg.OwnerPersistentHandleFirst || p.Handle > tcg.OwnerPersistentHandleLast:
		return &ConfigurationError{fmt.Sprintf("handle %v is not a persistent storage hierarchy handle", p.Handle)}
	case len(p.Volumes) == 0:
		return &ConfigurationError{"no encrypted volume is configured"}
	case len(p.Volumes) > 1:
		return &ConfigurationError{fmt.Sprintf("%d encrypted volumes are configured, only a single volume is supported", len(p.Volumes))}
	case p.Passphrase == nil:
		return &ConfigurationError{"no recovery passphrase source"}
	}
	return nil
}

// SealResult describes a successfully sealed secret.
type SealResult struct {
	Handle        tpm2.Handle
	Slot          int
	Volume        *Volume
	Policy        *PolicySpec
	PolicyDigest  tpm2.Digest
	HookInstalled bool
}

// Seal generates a new random secret, seals it to the secure element with a
// policy that is only satisfied once the boot mode has been measured into the
// stage register on the next boot, stores the sealed object at the configured
// persistent handle and installs the secret in the configured key slot of the
// volume.
//
// Nothing is modified until the recovery passphrase has been verified and
// the new sealed object has been created. A failure after the previous
// sealed object has been evicted returns a *PartialSealError. In this state,
// the recovery passphrase is needed to unlock the volume until Seal succeeds.
func Seal(se SecureElement, params *SealParams) (*SealResult, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	keySlots := params.KeySlots
	if keySlots == nil {
		keySlots = LUKS2KeySlots
	}
	rng := params.Rand
	if rng == nil {
		rng = rand.Reader
	}

	volume := params.Volumes[0]
	if !volume.HookInstalled {
		logger.Noticef("WARNING: the unlock hook is not configured for volume %s, "+
			"the sealed secret will not be used until it is", volume.Name)
	}

	passphrase, err := params.Passphrase()
	if err != nil {
		return nil, xerrors.Errorf("cannot obtain recovery passphrase: %w", err)
	}
	defer secret.Wipe(passphrase)

	if err := keySlots.TestPassphrase(volume.DevicePath, passphrase); err != nil {
		return nil, err
	}

	key, err := secret.New(SecretSize)
	if err != nil {
		return nil, xerrors.Errorf("cannot allocate memory for secret: %w", err)
	}
	defer key.Wipe()

	if _, err := io.ReadFull(rng, key.Bytes()); err != nil {
		return nil, xerrors.Errorf("cannot obtain random secret: %w", err)
	}

	spec, err := BuildPolicySpec(se, &params.Policy)
	if err != nil {
		return nil, err
	}
	policy, err := ComputeAuthPolicy(se, spec)
	if err != nil {
		return nil, err
	}
	logger.Debugf("sealing with policy %x:\n%s", policy, spec)

	primary, err := se.CreatePrimary()
	if err != nil {
		return nil, &HardwareError{Op: "create primary key", Err: err}
	}
	defer flushTransient(se, primary)

	sealed, err := se.CreateSealed(primary, policy, key.Bytes())
	if err != nil {
		return nil, &HardwareError{Op: "create sealed object", Err: err}
	}

	object, err := se.LoadSealed(primary, sealed)
	if err != nil {
		return nil, &HardwareError{Op: "load sealed object", Err: err}
	}
	defer flushTransient(se, object)

	// Replace the previous object. From here on, the system can't
	// unlock automatically until sealing completes.
	switch err := se.Evict(params.Handle); {
	case err == ErrNoSealedObject:
		logger.Debugf("no previous sealed object at %v", params.Handle)
	case err != nil:
		return nil, &HardwareError{Op: "evict previous sealed object", Err: err}
	default:
		logger.Noticef("evicted previous sealed object at %v", params.Handle)
	}

	if err := se.PersistAt(object, params.Handle); err != nil {
		return nil, &PartialSealError{Step: "persist sealed object", Err: err}
	}

	if err := selfCheck(se, params.Handle, spec); err != nil {
		return nil, err
	}

	pub, err := se.ReadPublic(params.Handle)
	if err != nil {
		return nil, &PartialSealError{Step: "verify sealed object", Err: err}
	}
	expected, err := spec.ComputeDigest()
	if err != nil {
		return nil, &PartialSealError{Step: "verify sealed object", Err: err}
	}
	if !bytes.Equal(pub.AuthPolicy, expected) {
		evictDefective(se, params.Handle)
		return nil, &PartialSealError{Step: "verify sealed object",
			Err: &SealDefectError{fmt.Sprintf("the persisted object has policy %x, expected %x", pub.AuthPolicy, expected)}}
	}

	if err := keySlots.InstallKey(volume.DevicePath, params.Slot, key.Bytes(), passphrase); err != nil {
		return nil, &PartialSealError{Step: "install key slot", Err: err}
	}

	logger.Noticef("sealed a new secret for volume %s at %v with boot mode %q (key slot %d)",
		volume.Name, params.Handle, params.Policy.BootMode, params.Slot)

	return &SealResult{
		Handle:        params.Handle,
		Slot:          params.Slot,
		Volume:        volume,
		Policy:        spec,
		PolicyDigest:  policy,
		HookInstalled: volume.HookInstalled,
	}, nil
}

// selfCheck ensures that the new object can't be unsealed with the current
// register values, which is the case as long as the boot mode hasn't been
// measured into the stage register yet.
func selfCheck(se SecureElement, handle tpm2.Handle, spec *PolicySpec) error {
	data, err := se.Unseal(handle, spec.Selection())
	switch {
	case err == nil:
		secret.Wipe(data)
		evictDefective(se, handle)
		return &PartialSealError{Step: "self-check",
			Err: &SealDefectError{"the secret can be unsealed before the boot mode has been measured"}}
	case xerrors.Is(err, ErrPolicyCheckFailed):
		return nil
	default:
		return &PartialSealError{Step: "self-check", Err: err}
	}
}

func evictDefective(se SecureElement, handle tpm2.Handle) {
	if err := se.Evict(handle); err != nil {
		logger.Noticef("cannot evict defective sealed object at %v: %v", handle, err)
	}
}

func flushTransient(se SecureElement, object Transient) {
	if err := se.Flush(object); err != nil {
		logger.Debugf("cannot flush transient object %v: %v", object.Handle(), err)
	}
}
