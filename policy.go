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
	"fmt"
	"sort"
	"strings"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/util"
	"github.com/snapcore/snapd/logger"
	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal/internal/eventlog"
	"github.com/snapcore/tpmseal/internal/paths"
	"github.com/snapcore/tpmseal/internal/tcg"
)

// StageBaseline describes which value of the stage register the mode
// measurement is predicted from when sealing.
type StageBaseline int

const (
	// StageBaselineCurrent predicts from the live value of the stage
	// register. This is only correct if nothing has been measured into it
	// by the operating system during the current boot, which is checked
	// against the event log when one is available.
	StageBaselineCurrent StageBaseline = iota

	// StageBaselineZero predicts from the reset value. This is correct
	// when the firmware and bootloader don't measure into the stage
	// register.
	StageBaselineZero

	// StageBaselineEventLog predicts from the value obtained by replaying
	// the firmware event log, which excludes measurements made by the
	// operating system during the current boot.
	StageBaselineEventLog
)

func (b StageBaseline) String() string {
	switch b {
	case StageBaselineCurrent:
		return "current"
	case StageBaselineZero:
		return "zero"
	case StageBaselineEventLog:
		return "eventlog"
	default:
		return fmt.Sprintf("StageBaseline(%d)", int(b))
	}
}

// ParseStageBaseline parses the textual form of a StageBaseline.
func ParseStageBaseline(s string) (StageBaseline, error) {
	switch s {
	case "current":
		return StageBaselineCurrent, nil
	case "zero":
		return StageBaselineZero, nil
	case "eventlog", "event-log":
		return StageBaselineEventLog, nil
	}
	return 0, fmt.Errorf("invalid stage baseline %q (expected one of current, zero or eventlog)", s)
}

// UnmarshalFlag implements flags.Unmarshaler.
func (b *StageBaseline) UnmarshalFlag(value string) error {
	v, err := ParseStageBaseline(value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *StageBaseline) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.UnmarshalFlag(s)
}

// PolicySpec describes a PCR authorization policy: the expected value of every
// selected register, including the predicted value of the stage register.
type PolicySpec struct {
	Alg      tpm2.HashAlgorithmId
	Values   map[int]tpm2.Digest
	StagePCR int
	BootMode string

	// Warnings describe checks that couldn't be performed while building
	// the policy, and that the user should be told about.
	Warnings []string
}

// PCRs returns the selected registers in ascending order, including the
// stage register.
func (s *PolicySpec) PCRs() []int {
	var pcrs []int
	for pcr := range s.Values {
		pcrs = append(pcrs, pcr)
	}
	sort.Ints(pcrs)
	return pcrs
}

// Selection returns the PCR selection for this policy.
func (s *PolicySpec) Selection() tpm2.PCRSelectionList {
	return tpm2.PCRSelectionList{{Hash: s.Alg, Select: s.PCRs()}}
}

// PCRValues returns the expected register values for this policy.
func (s *PolicySpec) PCRValues() tpm2.PCRValues {
	values := make(tpm2.PCRValues)
	for pcr, digest := range s.Values {
		values.SetValue(s.Alg, pcr, digest)
	}
	return values
}

// Validate checks that this policy is well formed.
func (s *PolicySpec) Validate() error {
	if !s.Alg.Available() {
		return &ConfigurationError{fmt.Sprintf("digest algorithm %v is not available", s.Alg)}
	}
	if _, ok := s.Values[s.StagePCR]; !ok {
		return &ConfigurationError{fmt.Sprintf("no value for stage register %d", s.StagePCR)}
	}
	if len(s.Values) < 2 {
		return &ConfigurationError{"the PCR set cannot be empty"}
	}
	for pcr, digest := range s.Values {
		if pcr < 0 || pcr > tcg.MaxPCR {
			return &ConfigurationError{fmt.Sprintf("invalid PCR index %d", pcr)}
		}
		if len(digest) != s.Alg.Size() {
			return &ConfigurationError{fmt.Sprintf("invalid digest length for PCR %d", pcr)}
		}
	}
	return nil
}

// ComputeDigest computes the authorization policy digest for this policy in
// software.
func (s *PolicySpec) ComputeDigest() (tpm2.Digest, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	pcrs := s.Selection()
	pcrDigest, err := util.ComputePCRDigest(s.Alg, pcrs, s.PCRValues())
	if err != nil {
		return nil, xerrors.Errorf("cannot compute PCR digest: %w", err)
	}

	trial := util.ComputeAuthPolicy(s.Alg)
	trial.PolicyPCR(pcrDigest, pcrs)
	return trial.GetDigest(), nil
}

func (s *PolicySpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "boot mode %q, stage register %d\n", s.BootMode, s.StagePCR)
	for _, pcr := range s.PCRs() {
		fmt.Fprintf(&b, "  PCR %2d: %x\n", pcr, s.Values[pcr])
	}
	return b.String()
}

// PolicyParams are the inputs for building a PolicySpec.
type PolicyParams struct {
	PCRs     []int // The registers that measure the boot chain, excluding the stage register
	StagePCR int
	BootMode string
	Baseline StageBaseline
}

func (p *PolicyParams) validate() error {
	if len(p.PCRs) == 0 {
		return &ConfigurationError{"the PCR set cannot be empty"}
	}
	if p.StagePCR < 0 || p.StagePCR > tcg.MaxPCR {
		return &ConfigurationError{fmt.Sprintf("invalid stage register %d", p.StagePCR)}
	}
	seen := make(map[int]bool)
	for _, pcr := range p.PCRs {
		switch {
		case pcr < 0 || pcr > tcg.MaxPCR:
			return &ConfigurationError{fmt.Sprintf("invalid PCR index %d", pcr)}
		case pcr == p.StagePCR:
			return &ConfigurationError{fmt.Sprintf("the stage register %d cannot also be in the PCR set", pcr)}
		case seen[pcr]:
			return &ConfigurationError{fmt.Sprintf("duplicate PCR index %d", pcr)}
		}
		seen[pcr] = true
	}
	return ValidateBootMode(p.BootMode)
}

var eventLogReplayPCR = func(alg tpm2.HashAlgorithmId, pcr int) (tpm2.Digest, error) {
	log, err := eventlog.Read(paths.EventLog)
	if err != nil {
		return nil, err
	}
	values, err := eventlog.Replay(log, alg, []int{pcr})
	if err != nil {
		return nil, err
	}
	return values[pcr], nil
}

// StageBaselineValue returns the value of the stage register that the
// boot mode measurement is predicted from, according to params.Baseline.
// The current value of the stage register is only required for
// StageBaselineCurrent. Any returned warnings describe checks that were
// skipped.
func StageBaselineValue(alg tpm2.HashAlgorithmId, params *PolicyParams, current tpm2.Digest) (baseline tpm2.Digest, warnings []string, err error) {
	switch params.Baseline {
	case StageBaselineZero:
		return make(tpm2.Digest, alg.Size()), nil, nil
	case StageBaselineEventLog:
		replayed, err := eventLogReplayPCR(alg, params.StagePCR)
		if err != nil {
			return nil, nil, &ConfigurationError{fmt.Sprintf("cannot obtain stage register baseline from event log: %v", err)}
		}
		return replayed, nil, nil
	case StageBaselineCurrent:
		replayed, err := eventLogReplayPCR(alg, params.StagePCR)
		switch {
		case err != nil:
			logger.Noticef("cannot check the stage register against the event log: %v", err)
			warnings = append(warnings, fmt.Sprintf("cannot check stage register %d against the event log (%v): "+
				"if it has been extended during this boot, the sealed object will never be released", params.StagePCR, err))
		case !bytes.Equal(replayed, current):
			msg := fmt.Sprintf("stage register %d has been extended during this boot (current value %x, "+
				"event log value %x)", params.StagePCR, current, replayed)
			if history, ok := DescribeStageHistory(alg, replayed, current, []string{params.BootMode}); ok {
				msg += fmt.Sprintf(" with the markers %q", history)
			}
			return nil, nil, &ConfigurationError{msg + ": use the zero or eventlog stage baseline"}
		}
		return current, warnings, nil
	default:
		return nil, nil, &ConfigurationError{fmt.Sprintf("invalid stage baseline %v", params.Baseline)}
	}
}

// BootStageBaseline returns the value that the stage register had at the
// start of this boot, before the unlock hook measured anything into it. The
// value from the event log is tried first, followed by zero. A candidate is
// accepted if current can be explained from it by DescribeStageHistory with
// the supplied modes, in which case the explaining markers are returned too.
func BootStageBaseline(alg tpm2.HashAlgorithmId, stagePCR int, current tpm2.Digest, modes []string) (baseline tpm2.Digest, history []string, warnings []string, err error) {
	var candidates []tpm2.Digest
	switch replayed, err := eventLogReplayPCR(alg, stagePCR); {
	case err != nil:
		logger.Noticef("cannot obtain the stage register baseline from the event log: %v", err)
		warnings = append(warnings, fmt.Sprintf("cannot read the event log (%v): "+
			"assuming that stage register %d started this boot at zero", err, stagePCR))
	default:
		candidates = append(candidates, replayed)
	}
	candidates = append(candidates, make(tpm2.Digest, alg.Size()))

	for _, candidate := range candidates {
		if history, ok := DescribeStageHistory(alg, candidate, current, modes); ok {
			return candidate, history, warnings, nil
		}
	}
	return nil, nil, warnings, &ConfigurationError{fmt.Sprintf("cannot determine the value of stage register %d "+
		"at the start of this boot from its current value %x: use the zero or eventlog stage baseline", stagePCR, current)}
}

func readPolicyRegisters(se SecureElement, params *PolicyParams) (*PolicySpec, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	alg := PCRAlgorithm
	pcrs := append([]int{params.StagePCR}, params.PCRs...)
	sort.Ints(pcrs)

	values, err := se.ReadRegisters(tpm2.PCRSelectionList{{Hash: alg, Select: pcrs}})
	if err != nil {
		return nil, &HardwareError{Op: "read registers", Err: err}
	}

	spec := &PolicySpec{
		Alg:      alg,
		Values:   make(map[int]tpm2.Digest),
		StagePCR: params.StagePCR,
		BootMode: params.BootMode,
	}
	for _, pcr := range pcrs {
		v, ok := values[alg][pcr]
		if !ok {
			return nil, &HardwareError{Op: "read registers", Err: fmt.Errorf("no value returned for PCR %d", pcr)}
		}
		spec.Values[pcr] = v
	}
	return spec, nil
}

// BuildPolicySpec reads the current values of the configured registers and
// predicts the value of the stage register after the boot mode is measured,
// returning the resulting policy.
func BuildPolicySpec(se SecureElement, params *PolicyParams) (*PolicySpec, error) {
	spec, err := readPolicyRegisters(se, params)
	if err != nil {
		return nil, err
	}

	baseline, warnings, err := StageBaselineValue(spec.Alg, params, spec.Values[params.StagePCR])
	if err != nil {
		return nil, err
	}
	spec.Values[params.StagePCR] = PredictStageValue(spec.Alg, baseline, params.BootMode)
	spec.Warnings = warnings

	return spec, nil
}

// BuildBootPolicySpec is like BuildPolicySpec, but the stage register is
// predicted from its value at the start of this boot as returned by
// BootStageBaseline, ignoring params.Baseline. This gives the policy that
// the next boot is expected to satisfy even after the unlock hook has
// measured markers into the stage register during this boot. historyModes
// are the boot modes that this boot might have measured.
func BuildBootPolicySpec(se SecureElement, params *PolicyParams, historyModes []string) (*PolicySpec, []string, error) {
	spec, err := readPolicyRegisters(se, params)
	if err != nil {
		return nil, nil, err
	}

	baseline, history, warnings, err := BootStageBaseline(spec.Alg, params.StagePCR, spec.Values[params.StagePCR], historyModes)
	if err != nil {
		return nil, nil, err
	}
	spec.Values[params.StagePCR] = PredictStageValue(spec.Alg, baseline, params.BootMode)
	spec.Warnings = warnings

	return spec, history, nil
}

// ComputeAuthPolicy computes the authorization policy digest for spec, both
// in software and with the secure element, and checks that they agree.
func ComputeAuthPolicy(se SecureElement, spec *PolicySpec) (tpm2.Digest, error) {
	local, err := spec.ComputeDigest()
	if err != nil {
		return nil, err
	}

	digest, err := se.ComputePolicyDigest(spec.Alg, spec.Selection(), spec.PCRValues())
	if err != nil {
		return nil, &HardwareError{Op: "compute policy digest", Err: err}
	}

	if !bytes.Equal(local, digest) {
		return nil, &HardwareError{Op: "compute policy digest",
			Err: fmt.Errorf("policy digest from secure element (%x) does not match computed digest (%x)", digest, local)}
	}
	return digest, nil
}
