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
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/bsiegert/ranges"
	"github.com/canonical/go-tpm2"
	"github.com/snapcore/snapd/logger"
	"github.com/snapcore/snapd/osutil"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/snapcore/tpmseal/internal/paths"
	"github.com/snapcore/tpmseal/internal/tcg"
)

// PCRList is an ordered set of register indices.
type PCRList []int

// ParsePCRList parses a comma separated list of register indices and ranges,
// eg, "0,2,5,7" or "0-4,7".
func ParsePCRList(s string) (PCRList, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	indices, err := ranges.Parse(s)
	if err != nil {
		return nil, xerrors.Errorf("invalid PCR list %q: %w", s, err)
	}

	seen := make(map[int]bool)
	var out PCRList
	for _, i := range indices {
		pcr := int(i)
		switch {
		case pcr < 0 || pcr > tcg.MaxPCR:
			return nil, fmt.Errorf("invalid PCR list %q: index %d out of range", s, pcr)
		case seen[pcr]:
			return nil, fmt.Errorf("invalid PCR list %q: duplicate index %d", s, pcr)
		}
		seen[pcr] = true
		out = append(out, pcr)
	}
	sort.Ints(out)
	return out, nil
}

func (l PCRList) String() string {
	var s []string
	for _, pcr := range l {
		s = append(s, strconv.Itoa(pcr))
	}
	return strings.Join(s, ",")
}

// UnmarshalFlag implements flags.Unmarshaler.
func (l *PCRList) UnmarshalFlag(value string) error {
	pcrs, err := ParsePCRList(value)
	if err != nil {
		return err
	}
	*l = pcrs
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Both the string form and a
// sequence of integers are accepted.
func (l *PCRList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var list []int
	if err := unmarshal(&list); err == nil {
		var s []string
		for _, pcr := range list {
			s = append(s, strconv.Itoa(pcr))
		}
		return l.UnmarshalFlag(strings.Join(s, ","))
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return l.UnmarshalFlag(s)
}

// ParseHandle parses a persistent handle in hexadecimal or decimal form.
func ParseHandle(s string) (tpm2.Handle, error) {
	h, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid handle %q", s)
	}
	handle := tpm2.Handle(h)
	if handle < tcg.OwnerPersistentHandleFirst || handle > tcg.OwnerPersistentHandleLast {
		return 0, fmt.Errorf("invalid handle %q: not a persistent storage hierarchy handle", s)
	}
	return handle, nil
}

// Config is the configuration shared by the administrative tool and the
// unlock hook. It is assembled once from the built-in defaults and the
// configuration file and then treated as read-only.
type Config struct {
	PCRs          PCRList // registers to seal against, excluding the stage register
	StagePCR      int
	Handle        tpm2.Handle
	BootMode      string
	KeySlot       int
	StageBaseline StageBaseline

	Crypttab   string
	UnlockHook string
	Askpass    string
}

// DefaultConfig returns the built-in defaults. There is no default PCR set.
func DefaultConfig() Config {
	return Config{
		StagePCR:      DefaultStagePCR,
		Handle:        DefaultSealedObjectHandle,
		BootMode:      DefaultBootMode,
		KeySlot:       DefaultKeySlot,
		StageBaseline: StageBaselineCurrent,
		Crypttab:      paths.Crypttab,
		UnlockHook:    paths.UnlockHook,
		Askpass:       paths.Askpass,
	}
}

type configFile struct {
	PCRs          *PCRList       `yaml:"pcrs"`
	StagePCR      *int           `yaml:"stage-pcr"`
	Handle        *string        `yaml:"handle"`
	BootMode      *string        `yaml:"boot-mode"`
	KeySlot       *int           `yaml:"key-slot"`
	StageBaseline *StageBaseline `yaml:"stage-baseline"`
	Crypttab      *string        `yaml:"crypttab"`
	UnlockHook    *string        `yaml:"unlock-hook"`
	Askpass       *string        `yaml:"askpass"`
}

// LoadConfig returns the defaults overridden by the configuration file at
// path. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return config, nil
	case err != nil:
		return Config{}, xerrors.Errorf("cannot read configuration file: %w", err)
	}

	var f configFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return Config{}, xerrors.Errorf("cannot parse configuration file %s: %w", path, err)
	}

	if f.PCRs != nil {
		config.PCRs = *f.PCRs
	}
	if f.StagePCR != nil {
		config.StagePCR = *f.StagePCR
	}
	if f.Handle != nil {
		handle, err := ParseHandle(*f.Handle)
		if err != nil {
			return Config{}, xerrors.Errorf("cannot parse configuration file %s: %w", path, err)
		}
		config.Handle = handle
	}
	if f.BootMode != nil {
		config.BootMode = *f.BootMode
	}
	if f.KeySlot != nil {
		config.KeySlot = *f.KeySlot
	}
	if f.StageBaseline != nil {
		config.StageBaseline = *f.StageBaseline
	}
	if f.Crypttab != nil {
		config.Crypttab = *f.Crypttab
	}
	if f.UnlockHook != nil {
		config.UnlockHook = *f.UnlockHook
	}
	if f.Askpass != nil {
		config.Askpass = *f.Askpass
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks the configuration for consistency. An empty PCR set is
// permitted here as it is meaningful for the unlock hook.
func (c Config) Validate() error {
	switch {
	case c.StagePCR < 0 || c.StagePCR > tcg.MaxPCR:
		return &ConfigurationError{fmt.Sprintf("invalid stage register %d", c.StagePCR)}
	case c.KeySlot == RecoveryKeySlot:
		return &ConfigurationError{fmt.Sprintf("key slot %d holds the recovery passphrase", RecoveryKeySlot)}
	case c.KeySlot < 0:
		return &ConfigurationError{fmt.Sprintf("invalid key slot %d", c.KeySlot)}
	}
	for _, pcr := range c.PCRs {
		if pcr == c.StagePCR {
			return &ConfigurationError{fmt.Sprintf("the stage register %d cannot also be in the PCR set", pcr)}
		}
	}
	return ValidateBootMode(c.BootMode)
}

// PolicyParams returns the parameters for building a policy for the
// specified boot mode. The configured mode is used if mode is empty.
func (c Config) PolicyParams(mode string) PolicyParams {
	if mode == "" {
		mode = c.BootMode
	}
	return PolicyParams{
		PCRs:     append([]int(nil), c.PCRs...),
		StagePCR: c.StagePCR,
		BootMode: mode,
		Baseline: c.StageBaseline,
	}
}

const kernelCommandLinePrefix = "tpmseal."

// BootParams are the parameters supplied on the kernel command line.
type BootParams struct {
	Mode     string
	PCRs     PCRList
	StagePCR *int
	Handle   *tpm2.Handle
}

// ParseKernelCommandLine extracts the tpmseal.mode, tpmseal.pcrs,
// tpmseal.stage and tpmseal.handle parameters from the supplied kernel
// command line. Leading and trailing whitespace, such as the newline at the
// end of /proc/cmdline, is ignored.
func ParseKernelCommandLine(cmdline string) (*BootParams, error) {
	args, err := osutil.KernelCommandLineSplit(strings.TrimSpace(cmdline))
	if err != nil {
		return nil, xerrors.Errorf("cannot split kernel command line: %w", err)
	}

	params := new(BootParams)
	for _, arg := range args {
		if !strings.HasPrefix(arg, kernelCommandLinePrefix) {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(arg, kernelCommandLinePrefix), "=", 2)
		if len(kv) != 2 {
			logger.Noticef("ignoring kernel parameter %q without a value", arg)
			continue
		}
		key, value := kv[0], kv[1]

		switch key {
		case "mode":
			params.Mode = value
		case "pcrs":
			pcrs, err := ParsePCRList(value)
			if err != nil {
				return nil, err
			}
			params.PCRs = pcrs
		case "stage":
			stage, err := strconv.Atoi(value)
			if err != nil || stage < 0 || stage > tcg.MaxPCR {
				return nil, fmt.Errorf("invalid stage register %q", value)
			}
			params.StagePCR = &stage
		case "handle":
			handle, err := ParseHandle(value)
			if err != nil {
				return nil, err
			}
			params.Handle = &handle
		default:
			logger.Noticef("ignoring unknown kernel parameter %q", arg)
		}
	}

	return params, nil
}

// UnsealParams returns the parameters for the unlock hook. The PCR set and
// boot mode only come from the kernel command line, so that a boot entry
// without them never attempts to unseal.
func (c Config) UnsealParams(boot *BootParams) *UnsealParams {
	params := &UnsealParams{
		BootMode: boot.Mode,
		PCRs:     append([]int(nil), boot.PCRs...),
		StagePCR: c.StagePCR,
		Handle:   c.Handle,
	}
	if boot.StagePCR != nil {
		params.StagePCR = *boot.StagePCR
	}
	if boot.Handle != nil {
		params.Handle = *boot.Handle
	}
	return params
}
