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

	"github.com/snapcore/tpmseal/internal/crypttab"
)

type cmdInstallHook struct{}

func (cmd *cmdInstallHook) Execute(args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	entry, err := crypttab.InstallHook(config.Crypttab, config.UnlockHook)
	if err != nil {
		return err
	}
	fmt.Fprintf(Stdout, "Volume %s in %s is unlocked by %s\n", entry.Name, config.Crypttab, config.UnlockHook)
	fmt.Fprintln(Stdout, "Regenerate the initramfs for the change to take effect")
	return nil
}
