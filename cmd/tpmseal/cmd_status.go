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
)

type cmdStatus struct{}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (cmd *cmdStatus) Execute(args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	status := checkPlatform()
	switch {
	case status.SecureBootErr != nil:
		fmt.Fprintf(Stdout, "Secure boot: unknown (%v)\n", status.SecureBootErr)
	case status.SecureBoot:
		fmt.Fprintln(Stdout, "Secure boot: enabled")
	default:
		fmt.Fprintln(Stdout, "Secure boot: disabled")
	}
	fmt.Fprintf(Stdout, "Virtual machine: %s\n", yesNo(status.VirtualMachine))

	entries, err := crypttab.ReadFile(config.Crypttab)
	if err == nil {
		var entry *crypttab.Entry
		entry, err = crypttab.SingleVolume(entries)
		if err == nil {
			fmt.Fprintf(Stdout, "Encrypted volume: %s (%s)\n", entry.Name, entry.DevicePath())
			fmt.Fprintf(Stdout, "Unlock hook installed: %s\n", yesNo(entry.HasKeyscript(config.UnlockHook)))
		}
	}
	if err != nil {
		fmt.Fprintf(Stdout, "Encrypted volume: unknown (%v)\n", err)
	}

	se, closeTPM, err := connectToTPM()
	if err != nil {
		fmt.Fprintf(Stdout, "TPM: unavailable (%v)\n", err)
		return nil
	}
	defer closeTPM()

	pub, err := se.ReadPublic(config.Handle)
	switch {
	case xerrors.Is(err, tpmseal.ErrNoSealedObject):
		fmt.Fprintf(Stdout, "Sealed object at %#x: none\n", uint32(config.Handle))
	case err != nil:
		fmt.Fprintf(Stdout, "Sealed object at %#x: unknown (%v)\n", uint32(config.Handle), err)
	default:
		fmt.Fprintf(Stdout, "Sealed object at %#x: present (policy %x)\n", uint32(config.Handle), pub.AuthPolicy)
	}
	return nil
}
