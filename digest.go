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
	_ "crypto/sha256"

	"github.com/canonical/go-tpm2"
)

// ExtendMeasurement computes the value that a register holding previous would
// hold after extending it with the supplied measurement, ie, H(previous || measurement).
// An empty previous value is treated as the all-zeroes reset value.
func ExtendMeasurement(alg tpm2.HashAlgorithmId, previous, measurement tpm2.Digest) tpm2.Digest {
	if len(previous) == 0 {
		previous = make(tpm2.Digest, alg.Size())
	}

	h := alg.NewHash()
	h.Write(previous)
	h.Write(measurement)
	return h.Sum(nil)
}

// ExtendDigest computes the value that a register holding previous would hold
// after a TPM2_PCR_Event command with the supplied event data, ie,
// H(previous || H(data)).
//
// This must agree bit for bit with what the TPM does, as it is used to
// predict the post-extend value of the stage register at sealing time.
func ExtendDigest(alg tpm2.HashAlgorithmId, previous tpm2.Digest, data []byte) tpm2.Digest {
	h := alg.NewHash()
	h.Write(data)
	return ExtendMeasurement(alg, previous, h.Sum(nil))
}

// PredictStageValue computes the value of the stage register after each of
// the supplied markers are measured in order, starting from baseline.
func PredictStageValue(alg tpm2.HashAlgorithmId, baseline tpm2.Digest, markers ...string) tpm2.Digest {
	value := baseline
	if len(value) == 0 {
		value = make(tpm2.Digest, alg.Size())
	}
	for _, m := range markers {
		value = ExtendDigest(alg, value, []byte(m))
	}
	return value
}
