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

package main

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/snapcore/snapd/logger"

	"github.com/snapcore/tpmseal"
	"github.com/snapcore/tpmseal/internal/paths"
)

type cmdVerify struct {
	policyOptions
}

// historyModes returns the boot modes that may have been measured into the
// stage register during this boot.
func historyModes(params *tpmseal.PolicyParams) []string {
	modes := []string{params.BootMode}
	cmdline, err := ioutil.ReadFile(paths.ProcCmdline)
	if err != nil {
		logger.Debugf("cannot read kernel command line: %v", err)
		return modes
	}
	boot, err := tpmseal.ParseKernelCommandLine(string(cmdline))
	if err != nil {
		logger.Debugf("cannot parse kernel command line: %v", err)
		return modes
	}
	if boot.Mode != "" && boot.Mode != params.BootMode {
		modes = append(modes, boot.Mode)
	}
	return modes
}

func (cmd *cmdVerify) Execute(args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cmd.apply(&config); err != nil {
		return err
	}

	se, closeTPM, err := connectToTPM()
	if err != nil {
		return err
	}
	defer closeTPM()

	params := config.PolicyParams("")
	var spec *tpmseal.PolicySpec
	if params.Baseline == tpmseal.StageBaselineCurrent {
		// The unlock hook has probably measured into the stage register
		// during this boot, so predict from its value at boot instead.
		var history []string
		spec, history, err = tpmseal.BuildBootPolicySpec(se, &params, historyModes(&params))
		if err != nil {
			return err
		}
		if len(history) > 0 {
			fmt.Fprintf(Stdout, "Stage register %d has recorded %q during this boot\n", params.StagePCR, history)
		}
	} else {
		spec, err = tpmseal.BuildPolicySpec(se, &params)
		if err != nil {
			return err
		}
	}
	printWarnings(spec.Warnings)

	expected, err := spec.ComputeDigest()
	if err != nil {
		return err
	}

	pub, err := se.ReadPublic(config.Handle)
	if err != nil {
		return err
	}
	if !bytes.Equal(pub.AuthPolicy, expected) {
		fmt.Fprintf(Stdout, "The sealed object at %#x has policy %x\nThe current platform state gives policy %x for:\n%s",
			uint32(config.Handle), pub.AuthPolicy, expected, spec)
		return fmt.Errorf("the sealed object will not be released in boot mode %q", config.BootMode)
	}

	fmt.Fprintf(Stdout, "The sealed object at %#x will be released in boot mode %q (policy %x)\n",
		uint32(config.Handle), config.BootMode, expected)
	return nil
}
