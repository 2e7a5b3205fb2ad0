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

package luks2

import (
	"errors"
	"fmt"

	"github.com/snapcore/snapd/logger"
	"golang.org/x/xerrors"
)

// ErrProtectedSlot is returned from InstallKey when asked to modify the
// slot that holds the recovery passphrase.
var ErrProtectedSlot = errors.New("the recovery key slot cannot be modified")

// RecoverySlot is the key slot holding the human recovery passphrase.
const RecoverySlot = 0

// InstallKeyKDFOptions are the KDF options for a key slot protecting a
// uniformly random machine generated key. The key already has full entropy,
// so a memory-hard or long-running KDF only delays unlocking.
var InstallKeyKDFOptions = KDFOptions{Type: KDFTypePBKDF2, ForceIterations: 1000, Hash: HashSHA256}

// InstallKey sets the key in the specified slot of the LUKS2 container to
// key, authenticating with existingPassphrase. Any key already in the slot
// is removed first. No other slot is touched.
//
// The passphrase is checked before anything is modified, so an incorrect
// passphrase leaves the slot unchanged and returns ErrInvalidPassphrase.
func InstallKey(devicePath string, slot int, key, existingPassphrase []byte) error {
	switch {
	case slot == RecoverySlot:
		return ErrProtectedSlot
	case slot < 0:
		return fmt.Errorf("invalid key slot %d", slot)
	}

	if err := TestPassphrase(devicePath, existingPassphrase); err != nil {
		return xerrors.Errorf("cannot authenticate to %s: %w", devicePath, err)
	}

	if err := KillSlot(devicePath, slot); err != nil {
		// The slot may just be empty.
		logger.Noticef("cannot remove key slot %d from %s (it may be empty): %v", slot, devicePath, err)
	}

	options := &AddKeyOptions{KDFOptions: InstallKeyKDFOptions, Slot: slot}
	if err := AddKey(devicePath, existingPassphrase, key, options); err != nil {
		return xerrors.Errorf("cannot add key to slot %d of %s: %w", slot, devicePath, err)
	}

	logger.Noticef("installed new key in slot %d of %s", slot, devicePath)
	return nil
}
