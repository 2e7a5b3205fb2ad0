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
	"errors"

	"github.com/canonical/go-tpm2"
	snapd_testutil "github.com/snapcore/snapd/testutil"
	"golang.org/x/xerrors"

	. "gopkg.in/check.v1"

	. "github.com/snapcore/tpmseal"
	"github.com/snapcore/tpmseal/internal/testutil"
)

type sealSuite struct {
	softwareTPMTest
	keySlots *mockKeySlots
}

var _ = Suite(&sealSuite{})

func (s *sealSuite) SetUpTest(c *C) {
	s.softwareTPMTest.SetUpTest(c)
	s.keySlots = newMockKeySlots("recovery passphrase")
}

func (s *sealSuite) sealParams(c *C, seed string) *SealParams {
	return &SealParams{
		Policy: PolicyParams{
			PCRs:     []int{0, 2, 5, 7},
			StagePCR: 14,
			BootMode: "linux",
			Baseline: StageBaselineCurrent,
		},
		Handle:     testHandle,
		Slot:       DefaultKeySlot,
		Volumes:    []*Volume{{Name: "sda2_crypt", DevicePath: "/dev/sda2", HookInstalled: true}},
		Passphrase: func() ([]byte, error) { return []byte("recovery passphrase"), nil },
		KeySlots:   s.keySlots,
		Rand:       testutil.NewSeededRandReader(c, seed),
	}
}

// unsealLinux checks whether the persisted object can be unsealed after
// measuring the linux boot mode, without changing the register state.
func (s *sealSuite) unsealLinux(c *C) ([]byte, error) {
	saved := s.tpm.PCRValue(14)
	defer s.tpm.SetPCRValue(14, saved)

	s.extend(c, 14, "linux")
	return s.tpm.Unseal(testHandle, tpm2.PCRSelectionList{{Hash: tpm2.HashAlgorithmSHA256, Select: []int{0, 2, 5, 7, 14}}})
}

func (s *sealSuite) TestSealScenario(c *C) {
	result, err := Seal(s.tpm, s.sealParams(c, "key"))
	c.Assert(err, IsNil)

	c.Check(result.Handle, Equals, testHandle)
	c.Check(result.Slot, Equals, 1)
	c.Check(result.Volume.Name, Equals, "sda2_crypt")
	c.Check(result.HookInstalled, testutil.IsTrue)
	c.Check(result.PolicyDigest, DeepEquals, decodeHexString(c, goldenScenarioPolicy))
	c.Check(result.Policy.Values[14], DeepEquals, decodeHexString(c, goldenLinux))

	c.Check(s.tpm.Calls(), DeepEquals, []string{
		"ReadRegisters",
		"ComputePolicyDigest",
		"CreatePrimary",
		"CreateSealed",
		"LoadSealed",
		"Evict(0x81000100)",
		"PersistAt(0x81000100)",
		"Unseal(0x81000100)",
		"ReadPublic(0x81000100)",
		"Flush(0x80000001)",
		"Flush(0x80000000)",
	})
	c.Check(s.tpm.TransientObjects(), Equals, 0)
	c.Check(s.keySlots.calls, DeepEquals, []string{"TestPassphrase(/dev/sda2)", "InstallKey(/dev/sda2, 1)"})

	key := s.keySlots.slots[1]
	c.Check(key, HasLen, SecretSize)
	c.Check(s.keySlots.slots[0], DeepEquals, []byte("recovery passphrase"))

	// The register state at sealing time doesn't satisfy the policy.
	_, err = s.tpm.Unseal(testHandle, result.Policy.Selection())
	c.Check(err, Equals, ErrPolicyCheckFailed)

	data, err := s.unsealLinux(c)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, key)
}

func (s *sealSuite) TestSealWithBootChain(c *C) {
	s.setBootChain(c)

	result, err := Seal(s.tpm, s.sealParams(c, "key"))
	c.Assert(err, IsNil)
	c.Check(result.Policy.Values[7], DeepEquals, s.tpm.PCRValue(7))

	data, err := s.unsealLinux(c)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, s.keySlots.slots[1])

	// A different boot chain doesn't satisfy the policy.
	s.extend(c, 7, "grub")
	_, err = s.unsealLinux(c)
	c.Check(err, Equals, ErrPolicyCheckFailed)
}

func (s *sealSuite) TestSealEmptyPCRSet(c *C) {
	params := s.sealParams(c, "key")
	params.Policy.PCRs = nil

	_, err := Seal(s.tpm, params)
	c.Check(err, ErrorMatches, `invalid configuration: the PCR set cannot be empty`)
	var e *ConfigurationError
	c.Check(xerrors.As(err, &e), testutil.IsTrue)

	c.Check(s.tpm.Calls(), HasLen, 0)
	c.Check(s.keySlots.calls, HasLen, 0)
	c.Check(s.tpm.HasPersistent(testHandle), Equals, false)
}

func (s *sealSuite) TestSealInvalidParams(c *C) {
	for _, t := range []struct {
		desc   string
		modify func(params *SealParams)
		err    string
	}{
		{
			desc:   "recovery slot",
			modify: func(params *SealParams) { params.Slot = RecoveryKeySlot },
			err:    `invalid configuration: key slot 0 holds the recovery passphrase`,
		},
		{
			desc:   "negative slot",
			modify: func(params *SealParams) { params.Slot = -1 },
			err:    `invalid configuration: invalid key slot -1`,
		},
		{
			desc:   "invalid handle",
			modify: func(params *SealParams) { params.Handle = 0x01800000 },
			err:    `invalid configuration: handle .* is not a persistent storage hierarchy handle`,
		},
		{
			desc:   "no volumes",
			modify: func(params *SealParams) { params.Volumes = nil },
			err:    `invalid configuration: no encrypted volume is configured`,
		},
		{
			desc: "multiple volumes",
			modify: func(params *SealParams) {
				params.Volumes = append(params.Volumes, &Volume{Name: "home", DevicePath: "/dev/sda3"})
			},
			err: `invalid configuration: 2 encrypted volumes are configured, only a single volume is supported`,
		},
		{
			desc:   "no passphrase source",
			modify: func(params *SealParams) { params.Passphrase = nil },
			err:    `invalid configuration: no recovery passphrase source`,
		},
		{
			desc:   "stage register in PCR set",
			modify: func(params *SealParams) { params.Policy.PCRs = []int{7, 14} },
			err:    `invalid configuration: the stage register 14 cannot also be in the PCR set`,
		},
		{
			desc:   "reserved boot mode",
			modify: func(params *SealParams) { params.Policy.BootMode = "bootfail" },
			err:    `invalid configuration: boot mode "bootfail" is reserved`,
		},
	} {
		params := s.sealParams(c, "key")
		t.modify(params)
		_, err := Seal(s.tpm, params)
		c.Check(err, ErrorMatches, t.err, Commentf(t.desc))
	}

	c.Check(s.tpm.Calls(), HasLen, 0)
	c.Check(s.keySlots.calls, HasLen, 0)
}

func (s *sealSuite) TestSealWrongPassphrase(c *C) {
	params := s.sealParams(c, "key")
	params.Passphrase = func() ([]byte, error) { return []byte("wrong"), nil }

	_, err := Seal(s.tpm, params)
	c.Check(err, Equals, ErrInvalidRecoveryPassphrase)
	c.Check(s.tpm.Calls(), HasLen, 0)
	c.Check(s.keySlots.calls, DeepEquals, []string{"TestPassphrase(/dev/sda2)"})
	c.Check(s.keySlots.slots, HasLen, 1)
}

func (s *sealSuite) TestSealPassphraseSourceError(c *C) {
	params := s.sealParams(c, "key")
	params.Passphrase = func() ([]byte, error) { return nil, errors.New("no terminal") }

	_, err := Seal(s.tpm, params)
	c.Check(err, ErrorMatches, `cannot obtain recovery passphrase: no terminal`)
	c.Check(s.tpm.Calls(), HasLen, 0)
}

func (s *sealSuite) TestSealWipesPassphrase(c *C) {
	passphrase := []byte("recovery passphrase")
	params := s.sealParams(c, "key")
	params.Passphrase = func() ([]byte, error) { return passphrase, nil }

	_, err := Seal(s.tpm, params)
	c.Assert(err, IsNil)
	c.Check(passphrase, DeepEquals, make([]byte, len(passphrase)))
}

func (s *sealSuite) TestSealHookNotInstalled(c *C) {
	params := s.sealParams(c, "key")
	params.Volumes[0].HookInstalled = false

	result, err := Seal(s.tpm, params)
	c.Assert(err, IsNil)
	c.Check(result.HookInstalled, Equals, false)
	c.Check(s.logbuf.String(), snapd_testutil.Contains,
		"WARNING: the unlock hook is not configured for volume sda2_crypt, the sealed secret will not be used until it is")
}

func (s *sealSuite) TestSealReplacesPreviousObject(c *C) {
	_, err := Seal(s.tpm, s.sealParams(c, "key1"))
	c.Assert(err, IsNil)
	key1 := s.keySlots.slots[1]

	_, err = Seal(s.tpm, s.sealParams(c, "key2"))
	c.Assert(err, IsNil)
	key2 := s.keySlots.slots[1]
	c.Check(key2, Not(DeepEquals), key1)
	c.Check(s.logbuf.String(), snapd_testutil.Contains, "evicted previous sealed object")

	data, err := s.unsealLinux(c)
	c.Check(err, IsNil)
	c.Check(data, DeepEquals, key2)
}

func (s *sealSuite) TestSealHardwareErrorLeavesPreviousObject(c *C) {
	_, err := Seal(s.tpm, s.sealParams(c, "key1"))
	c.Assert(err, IsNil)
	key1 := s.keySlots.slots[1]

	for _, op := range []string{"CreatePrimary", "CreateSealed", "LoadSealed", "Evict"} {
		s.tpm.FailOn(op, errors.New("transport error"))

		_, err = Seal(s.tpm, s.sealParams(c, "key2"))
		c.Check(err, ErrorMatches, `secure element error during .*: transport error`, Commentf(op))
		var e *HardwareError
		c.Check(xerrors.As(err, &e), testutil.IsTrue, Commentf(op))

		s.tpm.FailOn(op, nil)

		c.Check(s.tpm.TransientObjects(), Equals, 0, Commentf(op))
		c.Check(s.keySlots.slots[1], DeepEquals, key1, Commentf(op))

		data, err := s.unsealLinux(c)
		c.Check(err, IsNil, Commentf(op))
		c.Check(data, DeepEquals, key1, Commentf(op))
	}
}

func (s *sealSuite) TestSealPartialPersist(c *C) {
	_, err := Seal(s.tpm, s.sealParams(c, "key1"))
	c.Assert(err, IsNil)

	s.tpm.FailOn("PersistAt", errors.New("NV space exhausted"))

	_, err = Seal(s.tpm, s.sealParams(c, "key2"))
	c.Check(err, ErrorMatches, `sealing failed at step "persist sealed object" after the previous sealed object was removed `+
		`\(the recovery passphrase will be needed on the next boot\): NV space exhausted`)
	var e *PartialSealError
	c.Assert(xerrors.As(err, &e), testutil.IsTrue)
	c.Check(e.Step, Equals, "persist sealed object")
	c.Check(e.Banner(), snapd_testutil.Contains, "*** SEALING FAILED PART WAY THROUGH")

	c.Check(s.tpm.HasPersistent(testHandle), Equals, false)
	c.Check(s.tpm.TransientObjects(), Equals, 0)
}

func (s *sealSuite) TestSealPartialInstallKey(c *C) {
	s.keySlots.installErr = errors.New("cryptsetup failed with: exit status 1")

	_, err := Seal(s.tpm, s.sealParams(c, "key"))
	var e *PartialSealError
	c.Assert(xerrors.As(err, &e), testutil.IsTrue)
	c.Check(e.Step, Equals, "install key slot")
	c.Check(e.Err, Equals, s.keySlots.installErr)

	// The new object is in place, but the volume doesn't have the key.
	c.Check(s.tpm.HasPersistent(testHandle), testutil.IsTrue)
	c.Check(s.keySlots.slots, HasLen, 1)
}

func (s *sealSuite) TestSealSelfCheckError(c *C) {
	s.tpm.FailOn("Unseal", errors.New("transport error"))

	_, err := Seal(s.tpm, s.sealParams(c, "key"))
	var e *PartialSealError
	c.Assert(xerrors.As(err, &e), testutil.IsTrue)
	c.Check(e.Step, Equals, "self-check")
	c.Check(s.keySlots.slots, HasLen, 1)
}

func (s *sealSuite) TestSealSelfCheckUnsealable(c *C) {
	s.tpm.BypassPolicy = true

	_, err := Seal(s.tpm, s.sealParams(c, "key"))
	c.Check(err, ErrorMatches, `sealing failed at step "self-check" after the previous sealed object was removed `+
		`\(the recovery passphrase will be needed on the next boot\): `+
		`the sealed object is defective: the secret can be unsealed before the boot mode has been measured`)
	var partial *PartialSealError
	c.Assert(xerrors.As(err, &partial), testutil.IsTrue)
	c.Check(partial.Step, Equals, "self-check")
	var e *SealDefectError
	c.Check(xerrors.As(err, &e), testutil.IsTrue)

	c.Check(s.tpm.HasPersistent(testHandle), Equals, false)
	c.Check(s.keySlots.slots, HasLen, 1)
}

func (s *sealSuite) TestSealSelfCheckUnsealableReplacesPrevious(c *C) {
	_, err := Seal(s.tpm, s.sealParams(c, "key1"))
	c.Assert(err, IsNil)
	key1 := s.keySlots.slots[1]

	s.tpm.BypassPolicy = true
	_, err = Seal(s.tpm, s.sealParams(c, "key2"))
	var partial *PartialSealError
	c.Assert(xerrors.As(err, &partial), testutil.IsTrue)
	c.Check(partial.Step, Equals, "self-check")
	c.Check(partial.Banner(), snapd_testutil.Contains, "*** SEALING FAILED PART WAY THROUGH")
	var e *SealDefectError
	c.Check(xerrors.As(err, &e), testutil.IsTrue)

	// The previous object was evicted and the defective one too.
	c.Check(s.tpm.HasPersistent(testHandle), Equals, false)
	c.Check(s.keySlots.slots[1], DeepEquals, key1)
}

func (s *sealSuite) TestSealVerifyMismatch(c *C) {
	s.tpm.PublicAreaHook = func(pub *tpm2.Public) {
		pub.AuthPolicy = make(tpm2.Digest, 32)
	}

	_, err := Seal(s.tpm, s.sealParams(c, "key"))
	c.Check(err, ErrorMatches, `sealing failed at step "verify sealed object" .*: `+
		`the sealed object is defective: the persisted object has policy 0+, expected `+goldenScenarioPolicy)
	var partial *PartialSealError
	c.Check(xerrors.As(err, &partial), testutil.IsTrue)
	var e *SealDefectError
	c.Check(xerrors.As(err, &e), testutil.IsTrue)

	c.Check(s.tpm.HasPersistent(testHandle), Equals, false)
	c.Check(s.keySlots.slots, HasLen, 1)
}

func (s *sealSuite) TestSealVerifyReadError(c *C) {
	s.tpm.FailOn("ReadPublic", errors.New("transport error"))

	_, err := Seal(s.tpm, s.sealParams(c, "key"))
	var e *PartialSealError
	c.Assert(xerrors.As(err, &e), testutil.IsTrue)
	c.Check(e.Step, Equals, "verify sealed object")
}
