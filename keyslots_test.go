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

package tpmseal_test

import (
	"os"
	"path/filepath"

	snapd_testutil "github.com/snapcore/snapd/testutil"
	"golang.org/x/xerrors"

	. "gopkg.in/check.v1"

	. "github.com/snapcore/tpmseal"
	"github.com/snapcore/tpmseal/internal/testutil"
)

type luks2KeySlotsSuite struct {
	softwareTPMTest
	state      string
	cryptsetup *snapd_testutil.MockCmd
}

var _ = Suite(&luks2KeySlotsSuite{})

func (s *luks2KeySlotsSuite) SetUpTest(c *C) {
	s.softwareTPMTest.SetUpTest(c)

	s.state = c.MkDir()
	s.cryptsetup = testutil.MockCryptsetup(c, s.state)
	s.AddCleanup(s.cryptsetup.Restore)

	testutil.SetCryptsetupSlot(c, s.state, RecoveryKeySlot, []byte("recovery passphrase"))
}

func (s *luks2KeySlotsSuite) TestTestPassphrase(c *C) {
	c.Check(LUKS2KeySlots.TestPassphrase("/dev/sda2", []byte("recovery passphrase")), IsNil)
	c.Check(LUKS2KeySlots.TestPassphrase("/dev/sda2", []byte("wrong")), Equals, ErrInvalidRecoveryPassphrase)
}

func (s *luks2KeySlotsSuite) TestTestPassphraseNotLUKS2(c *C) {
	c.Assert(os.Remove(filepath.Join(s.state, "luks2")), IsNil)

	err := LUKS2KeySlots.TestPassphrase("/dev/sda2", []byte("recovery passphrase"))
	c.Check(err, ErrorMatches, `invalid configuration: /dev/sda2 is not a LUKS2 volume`)
	var e *ConfigurationError
	c.Check(xerrors.As(err, &e), testutil.IsTrue)
}

func (s *luks2KeySlotsSuite) TestSeal(c *C) {
	result, err := Seal(s.tpm, &SealParams{
		Policy: PolicyParams{
			PCRs:     []int{0, 2, 5, 7},
			StagePCR: 14,
			BootMode: "linux",
		},
		Handle:     testHandle,
		Slot:       DefaultKeySlot,
		Volumes:    []*Volume{{Name: "sda2_crypt", DevicePath: "/dev/sda2", HookInstalled: true}},
		Passphrase: func() ([]byte, error) { return []byte("recovery passphrase"), nil },
		Rand:       testutil.NewSeededRandReader(c, "key"),
	})
	c.Assert(err, IsNil)
	c.Check(result.PolicyDigest, DeepEquals, decodeHexString(c, goldenScenarioPolicy))

	key := testutil.CryptsetupSlot(c, s.state, DefaultKeySlot)
	c.Check(key, HasLen, SecretSize)
	c.Check(testutil.CryptsetupSlot(c, s.state, RecoveryKeySlot), DeepEquals, []byte("recovery passphrase"))

	s.extend(c, 14, "linux")
	data, err := s.tpm.Unseal(testHandle, result.Policy.Selection())
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, key)
}

func (s *luks2KeySlotsSuite) TestSealWrongPassphrase(c *C) {
	_, err := Seal(s.tpm, &SealParams{
		Policy: PolicyParams{
			PCRs:     []int{7},
			StagePCR: 14,
			BootMode: "linux",
		},
		Handle:     testHandle,
		Slot:       DefaultKeySlot,
		Volumes:    []*Volume{{Name: "sda2_crypt", DevicePath: "/dev/sda2", HookInstalled: true}},
		Passphrase: func() ([]byte, error) { return []byte("wrong"), nil },
	})
	c.Check(err, Equals, ErrInvalidRecoveryPassphrase)
	c.Check(testutil.CryptsetupSlot(c, s.state, DefaultKeySlot), IsNil)
	c.Check(s.tpm.HasPersistent(testHandle), Equals, false)
}
