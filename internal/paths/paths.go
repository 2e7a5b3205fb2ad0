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

package paths

var (
	RunDir = "/run"

	// ConfigFile is the optional configuration file consulted by both
	// the administrative tool and the boot-time unlock hook.
	ConfigFile = "/etc/tpmseal/config.yaml"

	// Crypttab is the encrypted volume table.
	Crypttab = "/etc/crypttab"

	// ProcCmdline is the kernel command line.
	ProcCmdline = "/proc/cmdline"

	// EventLog is the firmware measurement log exposed by the kernel.
	EventLog = "/sys/kernel/security/tpm0/binary_bios_measurements"

	// Kmsg is where the unlock hook writes its diagnostics.
	Kmsg = "/dev/kmsg"

	// DevDiskDir contains the persistent block device symlinks.
	DevDiskDir = "/dev/disk"

	// UnlockHook is the installed location of the boot-time unlock hook.
	UnlockHook = "/usr/lib/tpmseal/tpmseal-unlock"

	// Askpass is the cryptsetup passphrase prompt helper available in
	// the initramfs.
	Askpass = "/lib/cryptsetup/askpass"
)
