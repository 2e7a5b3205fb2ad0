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

package testutil

import (
	"crypto/sha256"
	"io"

	drbg "github.com/canonical/go-sp800.90a-drbg"

	. "gopkg.in/check.v1"
)

// NewSeededRandReader returns a deterministic source of random bytes derived
// from the supplied seed, so that tests can generate the same secrets on
// every run.
func NewSeededRandReader(c *C, seed string) io.Reader {
	entropy := sha256.Sum256([]byte(seed))
	nonce := sha256.Sum256(entropy[:])

	rng, err := drbg.NewCTRWithExternalEntropy(32, entropy[:], nonce[:16], []byte("tpmseal-test"), nil)
	c.Assert(err, IsNil)
	return rng
}
