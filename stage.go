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
	"regexp"

	"github.com/canonical/go-tpm2"
)

const (
	// StageUnknownMode is measured into the stage register as the boot mode
	// when the boot parameters don't name one. It is never a valid sealing
	// mode, so a boot without a mode can't satisfy any policy.
	StageUnknownMode = "unknown"

	// StagePostBoot is measured after a successful unseal, closing the
	// window in which the policy can be satisfied.
	StagePostBoot = "postboot"

	// StageBootFail is measured when the unlock hook falls back to
	// passphrase entry.
	StageBootFail = "bootfail"
)

var bootModeRE = regexp.MustCompile(`^[[:alnum:]][[:alnum:]_.-]*$`)

// ValidateBootMode checks that mode can be used as a sealing boot mode.
// Modes are restricted to a conservative character set so they can be carried
// on the kernel command line, and the reserved stage markers are rejected.
func ValidateBootMode(mode string) error {
	switch {
	case mode == "":
		return &ConfigurationError{"boot mode cannot be empty"}
	case !bootModeRE.MatchString(mode):
		return &ConfigurationError{fmt.Sprintf("invalid boot mode %q", mode)}
	case mode == StageUnknownMode || mode == StagePostBoot || mode == StageBootFail:
		return &ConfigurationError{fmt.Sprintf("boot mode %q is reserved", mode)}
	}
	return nil
}

// DescribeStageHistory attempts to explain the value of the stage register
// by searching for a sequence of markers that produce it from baseline. Up to
// the mode plus one terminal marker are considered, using the supplied list
// of candidate modes. It returns the sequence of markers and true if one was
// found.
func DescribeStageHistory(alg tpm2.HashAlgorithmId, baseline, value tpm2.Digest, modes []string) ([]string, bool) {
	if len(baseline) == 0 {
		baseline = make(tpm2.Digest, alg.Size())
	}
	if bytes.Equal(baseline, value) {
		return nil, true
	}

	candidates := append([]string{StageUnknownMode}, modes...)
	for _, mode := range candidates {
		afterMode := ExtendDigest(alg, baseline, []byte(mode))
		if bytes.Equal(afterMode, value) {
			return []string{mode}, true
		}
		for _, terminal := range []string{StagePostBoot, StageBootFail} {
			if bytes.Equal(ExtendDigest(alg, afterMode, []byte(terminal)), value) {
				return []string{mode, terminal}, true
			}
		}
	}

	// The unlock hook extends bootfail without a mode if the mode
	// extend itself failed.
	if bytes.Equal(ExtendDigest(alg, baseline, []byte(StageBootFail)), value) {
		return []string{StageBootFail}, true
	}

	return nil, false
}
