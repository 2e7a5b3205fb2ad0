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
	"io/ioutil"
	"path/filepath"

	"github.com/canonical/go-tpm2"
	snapd_testutil "github.com/snapcore/snapd/testutil"

	. "gopkg.in/check.v1"

	. "github.com/snapcore/tpmseal"
)

type configSuite struct {
	snapd_testutil.BaseTest
	dir string
}

var _ = Suite(&configSuite{})

func (s *configSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.dir = c.MkDir()
}

func (s *configSuite) writeConfig(c *C, data string) string {
	path := filepath.Join(s.dir, "config.yaml")
	c.Assert(ioutil.WriteFile(path, []byte(data), 0644), IsNil)
	return path
}

func (s *configSuite) TestParsePCRList(c *C) {
	for _, t := range []struct {
		in       string
		expected PCRList
	}{
		{in: "", expected: nil},
		{in: "7", expected: PCRList{7}},
		{in: "0,2,5,7", expected: PCRList{0, 2, 5, 7}},
		{in: "0-4,7", expected: PCRList{0, 1, 2, 3, 4, 7}},
	} {
		pcrs, err := ParsePCRList(t.in)
		c.Check(err, IsNil, Commentf(t.in))
		c.Check(pcrs, DeepEquals, t.expected, Commentf(t.in))
	}
}

func (s *configSuite) TestParsePCRListInvalid(c *C) {
	_, err := ParsePCRList("0,24")
	c.Check(err, ErrorMatches, `invalid PCR list "0,24": index 24 out of range`)

	_, err = ParsePCRList("seven")
	c.Check(err, ErrorMatches, `invalid PCR list "seven": .*`)
}

func (s *configSuite) TestPCRListString(c *C) {
	c.Check(PCRList{0, 2, 5, 7}.String(), Equals, "0,2,5,7")
	c.Check(PCRList(nil).String(), Equals, "")
}

func (s *configSuite) TestParseHandle(c *C) {
	h, err := ParseHandle("0x81000100")
	c.Check(err, IsNil)
	c.Check(h, Equals, tpm2.Handle(0x81000100))

	h, err = ParseHandle("2164260865")
	c.Check(err, IsNil)
	c.Check(h, Equals, tpm2.Handle(0x81000001))

	_, err = ParseHandle("foo")
	c.Check(err, ErrorMatches, `invalid handle "foo"`)

	_, err = ParseHandle("0x81800000")
	c.Check(err, ErrorMatches, `invalid handle "0x81800000": not a persistent storage hierarchy handle`)
}

func (s *configSuite) TestDefaultConfig(c *C) {
	config := DefaultConfig()
	c.Check(config.PCRs, IsNil)
	c.Check(config.StagePCR, Equals, 14)
	c.Check(config.Handle, Equals, tpm2.Handle(0x81000100))
	c.Check(config.BootMode, Equals, "linux")
	c.Check(config.KeySlot, Equals, 1)
	c.Check(config.StageBaseline, Equals, StageBaselineCurrent)
	c.Check(config.Crypttab, Equals, "/etc/crypttab")
	c.Check(config.Validate(), IsNil)
}

func (s *configSuite) TestLoadConfigMissing(c *C) {
	config, err := LoadConfig(filepath.Join(s.dir, "missing.yaml"))
	c.Check(err, IsNil)
	c.Check(config, DeepEquals, DefaultConfig())
}

func (s *configSuite) TestLoadConfig(c *C) {
	path := s.writeConfig(c, `pcrs: 0,2,5,7
stage-pcr: 12
handle: "0x81000200"
boot-mode: desktop
key-slot: 3
stage-baseline: zero
crypttab: /tmp/crypttab
`)
	config, err := LoadConfig(path)
	c.Assert(err, IsNil)

	expected := DefaultConfig()
	expected.PCRs = PCRList{0, 2, 5, 7}
	expected.StagePCR = 12
	expected.Handle = 0x81000200
	expected.BootMode = "desktop"
	expected.KeySlot = 3
	expected.StageBaseline = StageBaselineZero
	expected.Crypttab = "/tmp/crypttab"
	c.Check(config, DeepEquals, expected)
}

func (s *configSuite) TestLoadConfigPCRSequence(c *C) {
	config, err := LoadConfig(s.writeConfig(c, "pcrs: [0, 7]\n"))
	c.Assert(err, IsNil)
	c.Check(config.PCRs, DeepEquals, PCRList{0, 7})
}

func (s *configSuite) TestLoadConfigErrors(c *C) {
	for _, t := range []struct {
		data string
		err  string
	}{
		{data: "pcr: 7\n", err: `(?s)cannot parse configuration file .*: .*field pcr not found.*`},
		{data: "handle: foo\n", err: `cannot parse configuration file .*: invalid handle "foo"`},
		{data: "pcrs: 0,30\n", err: `cannot parse configuration file .*: .*index 30 out of range`},
		{data: "stage-baseline: never\n", err: `cannot parse configuration file .*: invalid stage baseline "never".*`},
		{data: "pcrs: 7,14\n", err: `invalid configuration: the stage register 14 cannot also be in the PCR set`},
		{data: "key-slot: 0\n", err: `invalid configuration: key slot 0 holds the recovery passphrase`},
		{data: "boot-mode: postboot\n", err: `invalid configuration: boot mode "postboot" is reserved`},
		{data: "stage-pcr: 24\n", err: `invalid configuration: invalid stage register 24`},
	} {
		_, err := LoadConfig(s.writeConfig(c, t.data))
		c.Check(err, ErrorMatches, t.err, Commentf(t.data))
	}
}

func (s *configSuite) TestPolicyParams(c *C) {
	config := DefaultConfig()
	config.PCRs = PCRList{0, 7}
	config.StageBaseline = StageBaselineEventLog

	c.Check(config.PolicyParams(""), DeepEquals, PolicyParams{
		PCRs:     []int{0, 7},
		StagePCR: 14,
		BootMode: "linux",
		Baseline: StageBaselineEventLog,
	})
	c.Check(config.PolicyParams("recovery").BootMode, Equals, "recovery")
}

func (s *configSuite) TestParseKernelCommandLine(c *C) {
	params, err := ParseKernelCommandLine(`BOOT_IMAGE=/vmlinuz root=/dev/mapper/root ro quiet tpmseal.mode=linux tpmseal.pcrs=0,2,5,7 tpmseal.stage=12 tpmseal.handle=0x81000200 tpmseal.other=1 tpmseal.flag`)
	c.Assert(err, IsNil)
	c.Check(params.Mode, Equals, "linux")
	c.Check(params.PCRs, DeepEquals, PCRList{0, 2, 5, 7})
	c.Assert(params.StagePCR, NotNil)
	c.Check(*params.StagePCR, Equals, 12)
	c.Assert(params.Handle, NotNil)
	c.Check(*params.Handle, Equals, tpm2.Handle(0x81000200))
}

func (s *configSuite) TestParseKernelCommandLineEmpty(c *C) {
	params, err := ParseKernelCommandLine("BOOT_IMAGE=/vmlinuz root=/dev/sda1 ro")
	c.Assert(err, IsNil)
	c.Check(params, DeepEquals, &BootParams{})
}

func (s *configSuite) TestParseKernelCommandLineTrailingNewline(c *C) {
	params, err := ParseKernelCommandLine("root=/dev/sda2 tpmseal.mode=linux tpmseal.pcrs=0,2,5,7\n")
	c.Assert(err, IsNil)
	c.Check(params.Mode, Equals, "linux")
	c.Check(params.PCRs, DeepEquals, PCRList{0, 2, 5, 7})

	params, err = ParseKernelCommandLine("root=/dev/sda2 tpmseal.pcrs=0,2,5,7 tpmseal.mode=linux\n")
	c.Assert(err, IsNil)
	c.Check(params.Mode, Equals, "linux")
	c.Check(params.PCRs, DeepEquals, PCRList{0, 2, 5, 7})

	params, err = ParseKernelCommandLine(" tpmseal.stage=12\n\n")
	c.Assert(err, IsNil)
	c.Assert(params.StagePCR, NotNil)
	c.Check(*params.StagePCR, Equals, 12)
}

func (s *configSuite) TestParseKernelCommandLineErrors(c *C) {
	_, err := ParseKernelCommandLine("tpmseal.stage=x")
	c.Check(err, ErrorMatches, `invalid stage register "x"`)

	_, err = ParseKernelCommandLine("tpmseal.handle=0x1")
	c.Check(err, ErrorMatches, `invalid handle "0x1": not a persistent storage hierarchy handle`)

	_, err = ParseKernelCommandLine("tpmseal.pcrs=99")
	c.Check(err, ErrorMatches, `invalid PCR list "99": index 99 out of range`)

	_, err = ParseKernelCommandLine(`tpmseal.mode="linux`)
	c.Check(err, ErrorMatches, `cannot split kernel command line: .*`)
}

func (s *configSuite) TestUnsealParams(c *C) {
	config := DefaultConfig()
	config.PCRs = PCRList{0, 7}

	// The configured PCR set and mode are never used.
	params := config.UnsealParams(&BootParams{})
	c.Check(params, DeepEquals, &UnsealParams{StagePCR: 14, Handle: 0x81000100})

	stage := 12
	handle := tpm2.Handle(0x81000200)
	params = config.UnsealParams(&BootParams{Mode: "recovery", PCRs: PCRList{0, 2}, StagePCR: &stage, Handle: &handle})
	c.Check(params, DeepEquals, &UnsealParams{
		BootMode: "recovery",
		PCRs:     []int{0, 2},
		StagePCR: 12,
		Handle:   0x81000200,
	})
}
