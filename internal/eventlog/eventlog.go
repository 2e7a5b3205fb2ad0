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

// Package eventlog reads the firmware measurement log and replays it to
// obtain the values that registers held before the operating system
// measured anything into them.
package eventlog

import (
	"fmt"
	"os"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/tcglog-parser"
	"golang.org/x/xerrors"
)

// Read parses the TCG event log at the specified path.
func Read(path string) (*tcglog.Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("cannot open event log: %w", err)
	}
	defer f.Close()

	log, err := tcglog.ReadLog(f, &tcglog.LogOptions{})
	if err != nil {
		return nil, xerrors.Errorf("cannot read event log: %w", err)
	}
	return log, nil
}

func hasAlgorithm(log *tcglog.Log, alg tpm2.HashAlgorithmId) bool {
	for _, a := range log.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// Replay computes the values of the requested registers by extending the
// digests recorded for each event in order, starting from the reset value.
// Registers with no events are returned with the reset value, except for PCR 0
// which starts from the recorded startup locality.
func Replay(log *tcglog.Log, alg tpm2.HashAlgorithmId, pcrs []int) (map[int]tpm2.Digest, error) {
	if !hasAlgorithm(log, alg) {
		return nil, fmt.Errorf("event log has no digests for algorithm %v", alg)
	}

	wanted := make(map[int]bool)
	values := make(map[int]tpm2.Digest)
	for _, pcr := range pcrs {
		wanted[pcr] = true
		values[pcr] = make(tpm2.Digest, alg.Size())
	}

	for i, ev := range log.Events {
		pcr := int(ev.PCRIndex)
		if !wanted[pcr] {
			continue
		}
		if ev.EventType == tcglog.EventTypeNoAction {
			if data, ok := ev.Data.(*tcglog.StartupLocalityEventData); ok && pcr == 0 {
				values[0][alg.Size()-1] = data.StartupLocality
			}
			continue
		}
		digest, ok := ev.Digests[alg]
		if !ok {
			return nil, fmt.Errorf("event %d for PCR %d has no %v digest", i, pcr, alg)
		}

		h := alg.NewHash()
		h.Write(values[pcr])
		h.Write(digest)
		values[pcr] = h.Sum(nil)
	}

	return values, nil
}
