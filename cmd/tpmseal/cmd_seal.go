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

	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal"
	"github.com/snapcore/tpmseal/internal/crypttab"
	"github.com/snapcore/tpmseal/internal/secret"
)

type cmdSeal struct {
	policyOptions
	KeySlot *int `long:"key-slot" description:"Key slot that receives the sealed secret" value-name:"SLOT"`
}

func (cmd *cmdSeal) Execute(args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.KeySlot != nil {
		config.KeySlot = *cmd.KeySlot
	}
	if err := cmd.apply(&config); err != nil {
		return err
	}

	printPlatformWarnings()

	entries, err := crypttab.ReadFile(config.Crypttab)
	if err != nil {
		return err
	}
	var volumes []*tpmseal.Volume
	for _, e := range entries {
		volumes = append(volumes, &tpmseal.Volume{
			Name:          e.Name,
			DevicePath:    e.DevicePath(),
			HookInstalled: e.HasKeyscript(config.UnlockHook),
		})
	}

	stop := secret.WipeOnSignal()
	defer stop()

	se, closeTPM, err := connectToTPM()
	if err != nil {
		return err
	}
	defer closeTPM()

	result, err := tpmseal.Seal(se, &tpmseal.SealParams{
		Policy:   config.PolicyParams(""),
		Handle:   config.Handle,
		Slot:     config.KeySlot,
		Volumes:  volumes,
		KeySlots: keySlots,
		Passphrase: func() ([]byte, error) {
			return readPassphrase(volumes[0].Name)
		},
	})
	var partial *tpmseal.PartialSealError
	if xerrors.As(err, &partial) {
		fmt.Fprintln(Stderr, partial.Banner())
	}
	if err != nil {
		return err
	}
	printWarnings(result.Policy.Warnings)

	fmt.Fprintf(Stdout, "Sealed a new secret for volume %s at handle %#x in key slot %d\n",
		result.Volume.Name, uint32(result.Handle), result.Slot)
	fmt.Fprintf(Stdout, "Policy digest: %x\n%s", result.PolicyDigest, result.Policy)
	if !result.HookInstalled {
		fmt.Fprintf(Stdout, "Run \"tpmseal install-hook\" to unlock %s with the sealed secret\n", result.Volume.Name)
	}
	return nil
}
