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
	"sort"

	"github.com/canonical/go-tpm2"
	"github.com/snapcore/snapd/logger"
	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal/internal/secret"
)

// UnsealState is a state of the boot-time unseal sequence.
type UnsealState int

const (
	// UnsealStateStart is the initial state, before anything has been
	// measured into the stage register.
	UnsealStateStart UnsealState = iota

	// UnsealStateStageExtended indicates that the boot mode has been
	// measured into the stage register.
	UnsealStateStageExtended

	// UnsealStateUnsealed is a terminal state indicating that the secret
	// was released and the stage register has been closed with the
	// postboot marker.
	UnsealStateUnsealed

	// UnsealStateFallback is a terminal state indicating that the secret
	// isn't available and the recovery passphrase is required.
	UnsealStateFallback
)

func (s UnsealState) String() string {
	switch s {
	case UnsealStateStart:
		return "start"
	case UnsealStateStageExtended:
		return "stage-extended"
	case UnsealStateUnsealed:
		return "unsealed"
	case UnsealStateFallback:
		return "fallback"
	default:
		return fmt.Sprintf("UnsealState(%d)", int(s))
	}
}

// UnsealParams are the boot-time parameters for Unseal.
type UnsealParams struct {
	// BootMode is measured into the stage register. StageUnknownMode is
	// used if this is empty.
	BootMode string

	// PCRs is the set of registers the secret was sealed against, excluding
	// the stage register. If this is empty, unsealing is not attempted.
	PCRs []int

	StagePCR int
	Handle   tpm2.Handle
}

// UnsealResult is the outcome of Unseal.
type UnsealResult struct {
	State UnsealState

	// Key is the released secret when State is UnsealStateUnsealed. The
	// caller must wipe it once it has been consumed.
	Key *secret.Buffer

	// Err describes why State is UnsealStateFallback. It is a
	// *RecoveryRequiredError.
	Err error
}

var errNoPCRSet = errors.New("no PCR set is configured for this boot")

type unsealer struct {
	se     SecureElement
	params *UnsealParams
	state  UnsealState
}

func (u *unsealer) fallback(reason error) *UnsealResult {
	logger.Noticef("cannot unseal the disk secret: %v", reason)

	// Always close the stage register so that nothing later in this boot
	// can satisfy the policy.
	if err := u.se.ExtendRegister(u.params.StagePCR, []byte(StageBootFail)); err != nil {
		logger.Noticef("cannot measure %q into the stage register: %v", StageBootFail, err)
	}

	u.state = UnsealStateFallback
	return &UnsealResult{State: u.state, Err: &RecoveryRequiredError{reason}}
}

func (u *unsealer) selection() (tpm2.PCRSelectionList, error) {
	pcrs := []int{u.params.StagePCR}
	for _, pcr := range u.params.PCRs {
		if pcr == u.params.StagePCR {
			return nil, fmt.Errorf("the stage register %d is also in the PCR set", pcr)
		}
		pcrs = append(pcrs, pcr)
	}
	sort.Ints(pcrs)
	return tpm2.PCRSelectionList{{Hash: PCRAlgorithm, Select: pcrs}}, nil
}

func (u *unsealer) run() *UnsealResult {
	mode := u.params.BootMode
	if mode == "" {
		mode = StageUnknownMode
	}

	// The mode is measured before anything else, so that a policy sealed
	// for a different mode can't be satisfied by anything that runs
	// later in this boot.
	if err := u.se.ExtendRegister(u.params.StagePCR, []byte(mode)); err != nil {
		return u.fallback(&HardwareError{Op: "measure boot mode", Err: err})
	}
	u.state = UnsealStateStageExtended
	logger.Debugf("measured boot mode %q into PCR %d", mode, u.params.StagePCR)

	if len(u.params.PCRs) == 0 {
		return u.fallback(errNoPCRSet)
	}

	pcrs, err := u.selection()
	if err != nil {
		return u.fallback(err)
	}

	data, err := u.se.Unseal(u.params.Handle, pcrs)
	switch {
	case xerrors.Is(err, ErrNoSealedObject):
		return u.fallback(err)
	case xerrors.Is(err, ErrPolicyCheckFailed):
		return u.fallback(xerrors.Errorf("the platform state does not match the sealed policy for boot mode %q: %w", mode, err))
	case err != nil:
		return u.fallback(&HardwareError{Op: "unseal", Err: err})
	}

	key, err := secret.FromBytes(data)
	if err != nil {
		secret.Wipe(data)
		return u.fallback(xerrors.Errorf("cannot store unsealed secret: %w", err))
	}

	if err := u.se.ExtendRegister(u.params.StagePCR, []byte(StagePostBoot)); err != nil {
		// The secret could be unsealed again later in this boot, so
		// don't use it.
		key.Wipe()
		return u.fallback(&HardwareError{Op: "measure postboot marker", Err: err})
	}

	u.state = UnsealStateUnsealed
	logger.Noticef("unsealed the disk secret for boot mode %q", mode)
	return &UnsealResult{State: u.state, Key: key}
}

// Unseal runs the boot-time unseal sequence. The boot mode is measured into
// the stage register, then the sealed object is unsealed with a policy session
// asserting the current values of the stage register and the configured
// registers. On success, the postboot marker is measured to prevent the
// secret from being unsealed again during this boot. On any failure, the
// bootfail marker is measured instead and the result requires the recovery
// passphrase. Nothing is retried.
func Unseal(se SecureElement, params *UnsealParams) *UnsealResult {
	u := &unsealer{se: se, params: params, state: UnsealStateStart}
	return u.run()
}
