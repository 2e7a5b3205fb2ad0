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

// tpmseal-unlock is a cryptsetup keyscript. It writes the disk secret
// unsealed from the TPM to stdout, or the passphrase entered by the user if
// the secret isn't available in this boot.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"

	"github.com/snapcore/snapd/logger"
	"github.com/snapcore/snapd/osutil"
	"golang.org/x/crypto/ssh/terminal"
	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal"
	"github.com/snapcore/tpmseal/internal/bootlog"
	"github.com/snapcore/tpmseal/internal/paths"
	"github.com/snapcore/tpmseal/internal/secret"
	"github.com/snapcore/tpmseal/internal/tpm2_device"
	tpmseal_tpm2 "github.com/snapcore/tpmseal/tpm2"
)

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

var connectToTPM = func() (se tpmseal.SecureElement, closeTPM func(), err error) {
	conn, err := tpmseal_tpm2.ConnectToDefaultTPM(tpm2_device.DeviceModeDirect)
	if err != nil {
		return nil, nil, err
	}
	return tpmseal_tpm2.NewSecureElement(conn), func() { conn.Close() }, nil
}

var readConsolePassphrase = func(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !terminal.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	fmt.Fprint(Stderr, prompt)
	passphrase, err := terminal.ReadPassword(fd)
	fmt.Fprintln(Stderr)
	return passphrase, err
}

// loadParams returns the configuration and the unseal parameters for this
// boot. Errors are logged rather than returned, so that the stage register
// is always closed by Unseal. Without a PCR set from the kernel command line,
// Unseal falls back straight away.
func loadParams() (tpmseal.Config, *tpmseal.UnsealParams) {
	config, err := tpmseal.LoadConfig(paths.ConfigFile)
	if err != nil {
		logger.Noticef("cannot load configuration, using the defaults: %v", err)
		config = tpmseal.DefaultConfig()
	}

	boot := new(tpmseal.BootParams)
	cmdline, err := ioutil.ReadFile(paths.ProcCmdline)
	if err != nil {
		logger.Noticef("cannot read kernel command line: %v", err)
		return config, config.UnsealParams(boot)
	}
	if b, err := tpmseal.ParseKernelCommandLine(string(cmdline)); err != nil {
		logger.Noticef("cannot parse kernel command line: %v", err)
	} else {
		boot = b
	}
	return config, config.UnsealParams(boot)
}

func unseal(params *tpmseal.UnsealParams) *secret.Buffer {
	se, closeTPM, err := connectToTPM()
	if err != nil {
		logger.Noticef("cannot connect to TPM: %v", err)
		return nil
	}
	defer closeTPM()

	result := tpmseal.Unseal(se, params)
	if result.State != tpmseal.UnsealStateUnsealed {
		logger.Noticef("%v", result.Err)
		return nil
	}
	return result.Key
}

func volumeName() string {
	if name := os.Getenv("CRYPTTAB_NAME"); name != "" {
		return name
	}
	return "the encrypted volume"
}

// askPassphrase relays a passphrase from the askpass helper to stdout, or
// prompts on the console if the helper isn't available.
func askPassphrase(askpass string) error {
	prompt := fmt.Sprintf("Please unlock disk %s: ", volumeName())

	if osutil.IsExecutable(askpass) {
		cmd := exec.Command(askpass, prompt)
		cmd.Stdout = Stdout
		cmd.Stderr = Stderr
		if err := cmd.Run(); err != nil {
			return xerrors.Errorf("cannot obtain passphrase from %s: %w", askpass, err)
		}
		return nil
	}

	logger.Noticef("%s is not available, prompting on the console", askpass)
	passphrase, err := readConsolePassphrase(prompt)
	if err != nil {
		return xerrors.Errorf("cannot read passphrase: %w", err)
	}
	defer secret.Wipe(passphrase)

	_, err = Stdout.Write(passphrase)
	return err
}

func run() error {
	config, params := loadParams()

	if key := unseal(params); key != nil {
		defer key.Wipe()
		_, err := Stdout.Write(key.Bytes())
		return err
	}

	return askPassphrase(config.Askpass)
}

func main() {
	closeLog, err := bootlog.Setup("tpmseal-unlock")
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot set up logging:", err)
	} else {
		defer closeLog()
	}

	stop := secret.WipeOnSignal()
	defer stop()

	if err := run(); err != nil {
		logger.Noticef("%v", err)
		stop()
		secret.WipeAll()
		if closeLog != nil {
			closeLog()
		}
		os.Exit(1)
	}
}
