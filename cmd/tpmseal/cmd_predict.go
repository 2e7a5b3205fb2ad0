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
	"fmt"
	"strings"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal"
)

type cmdPredict struct {
	StagePCR *int   `long:"stage-pcr" description:"Register that records the boot stage" value-name:"INDEX"`
	Baseline string `long:"stage-baseline" description:"Starting value of the stage register" choice:"current" choice:"zero" choice:"eventlog"`

	Positional struct {
		Mode string `positional-arg-name:"mode"`
	} `positional-args:"true"`
}

func currentStageValue(stagePCR int) (tpm2.Digest, error) {
	se, closeTPM, err := connectToTPM()
	if err != nil {
		return nil, err
	}
	defer closeTPM()

	alg := tpmseal.PCRAlgorithm
	values, err := se.ReadRegisters(tpm2.PCRSelectionList{{Hash: alg, Select: []int{stagePCR}}})
	if err != nil {
		return nil, xerrors.Errorf("cannot read stage register: %w", err)
	}
	return values[alg][stagePCR], nil
}

func (cmd *cmdPredict) Execute(args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.StagePCR != nil {
		config.StagePCR = *cmd.StagePCR
	}
	if cmd.Baseline != "" {
		if config.StageBaseline, err = tpmseal.ParseStageBaseline(cmd.Baseline); err != nil {
			return err
		}
	}
	mode := cmd.Positional.Mode
	if mode == "" {
		mode = config.BootMode
	}
	if err := tpmseal.ValidateBootMode(mode); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	alg := tpmseal.PCRAlgorithm
	params := config.PolicyParams(mode)

	var current tpm2.Digest
	if params.Baseline == tpmseal.StageBaselineCurrent {
		if current, err = currentStageValue(params.StagePCR); err != nil {
			return xerrors.Errorf("cannot obtain stage register baseline: %w", err)
		}
	}
	baseline, warnings, err := tpmseal.StageBaselineValue(alg, &params, current)
	if err != nil {
		return xerrors.Errorf("cannot obtain stage register baseline: %w", err)
	}
	printWarnings(warnings)

	fmt.Fprintf(Stdout, "PCR %d baseline (%v): %x\n", config.StagePCR, config.StageBaseline, baseline)
	for _, markers := range [][]string{
		{mode},
		{mode, tpmseal.StagePostBoot},
		{mode, tpmseal.StageBootFail},
		{tpmseal.StageBootFail},
	} {
		fmt.Fprintf(Stdout, "%s: %x\n", strings.Join(markers, "+"), tpmseal.PredictStageValue(alg, baseline, markers...))
	}
	return nil
}
