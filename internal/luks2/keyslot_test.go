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

package luks2_test

import (
	"bytes"

	"github.com/snapcore/snapd/logger"
	snapd_testutil "github.com/snapcore/snapd/testutil"
	. "gopkg.in/check.v1"

	. "github.com/snapcore/tpmseal/internal/luks2"
	"github.com/snapcore/tpmseal/internal/testutil"
)

type keyslotSuite struct {
	snapd_testutil.BaseTest

	state      string
	cryptsetup *snapd_testutil.MockCmd
	log        *bytes.Buffer
}

var _ = Suite(&keyslotSuite{})

func (s *keyslotSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)

	s.state = c.MkDir()
	s.cryptsetup = testutil.MockCryptsetup(c, s.state)
	s.AddCleanup(s.cryptsetup.Restore)

	var restore func()
	s.log, restore = logger.MockLogger()
	s.AddCleanup(restore)

	testutil.SetCryptsetupSlot(c, s.state, 0, []byte("recovery passphrase"))
}

func (s *keyslotSuite) TestInstallKeyEmptySlot(c *C) {
	key := bytes.Repeat([]byte{0xa5}, 32)
	c.Check(InstallKey("/dev/sda1", 1, key, []byte("recovery passphrase")), IsNil)

	c.Check(testutil.CryptsetupSlot(c, s.state, 1), DeepEquals, key)
	c.Check(testutil.CryptsetupSlot(c, s.state, 0), DeepEquals, []byte("recovery passphrase"))
	c.Check(s.log.String(), Matches, `(?s).*cannot remove key slot 1 from /dev/sda1 \(it may be empty\).*`)

	c.Check(s.cryptsetup.Calls(), DeepEquals, [][]string{
		{"cryptsetup", "open", "--test-passphrase", "--type", "luks2", "--key-file", "-", "--keyfile-size", "19", "/dev/sda1"},
		{"cryptsetup", "luksKillSlot", "--batch-mode", "--type", "luks2", "/dev/sda1", "1"},
		{"cryptsetup", "luksAddKey", "--type", "luks2", "--key-file", "-", "--keyfile-size", "19", "--batch-mode",
			"--pbkdf", "pbkdf2", "--pbkdf-force-iterations", "1000", "--hash", "sha256", "--key-slot", "1", "/dev/sda1", "-"},
	})
}

func (s *keyslotSuite) TestInstallKeyReplacesSlot(c *C) {
	testutil.SetCryptsetupSlot(c, s.state, 1, []byte("old key"))

	key := bytes.Repeat([]byte{0x5a}, 32)
	c.Check(InstallKey("/dev/sda1", 1, key, []byte("recovery passphrase")), IsNil)

	c.Check(testutil.CryptsetupSlot(c, s.state, 1), DeepEquals, key)
	c.Check(testutil.CryptsetupSlot(c, s.state, 0), DeepEquals, []byte("recovery passphrase"))
	c.Check(s.log.String(), Not(Matches), `(?s).*cannot remove key slot.*`)
}

func (s *keyslotSuite) TestInstallKeyKeyWithNewlines(c *C) {
	key := []byte("\n\nkey\nwith\nnewlines\n")
	c.Check(InstallKey("/dev/sda1", 3, key, []byte("recovery passphrase")), IsNil)
	c.Check(testutil.CryptsetupSlot(c, s.state, 3), DeepEquals, key)
}

func (s *keyslotSuite) TestInstallKeyWrongPassphrase(c *C) {
	testutil.SetCryptsetupSlot(c, s.state, 1, []byte("old key"))

	err := InstallKey("/dev/sda1", 1, make([]byte, 32), []byte("wrong passphrase"))
	c.Check(err, ErrorMatches, `cannot authenticate to /dev/sda1: no key slot can be unlocked with the supplied passphrase`)

	// Nothing was modified.
	c.Check(testutil.CryptsetupSlot(c, s.state, 1), DeepEquals, []byte("old key"))
	c.Check(s.cryptsetup.Calls(), HasLen, 1)
}

func (s *keyslotSuite) TestInstallKeyRecoverySlot(c *C) {
	c.Check(InstallKey("/dev/sda1", 0, make([]byte, 32), []byte("recovery passphrase")), Equals, ErrProtectedSlot)
	c.Check(s.cryptsetup.Calls(), HasLen, 0)
}

func (s *keyslotSuite) TestInstallKeyInvalidSlot(c *C) {
	c.Check(InstallKey("/dev/sda1", -1, make([]byte, 32), []byte("recovery passphrase")), ErrorMatches, `invalid key slot -1`)
}

func (s *keyslotSuite) TestInstallKeyAddFails(c *C) {
	testutil.FailCryptsetupCommand(c, s.state, "luksAddKey", "Not enough available memory to open a keyslot.")

	err := InstallKey("/dev/sda1", 1, make([]byte, 32), []byte("recovery passphrase"))
	c.Check(err, ErrorMatches, `cannot add key to slot 1 of /dev/sda1: cryptsetup failed with: Not enough available memory to open a keyslot.`)
	c.Check(testutil.CryptsetupSlot(c, s.state, 1), IsNil)
}
