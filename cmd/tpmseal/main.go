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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/snapcore/snapd/logger"
	"golang.org/x/crypto/ssh/terminal"
	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal"
	"github.com/snapcore/tpmseal/internal/paths"
	"github.com/snapcore/tpmseal/internal/platform"
	"github.com/snapcore/tpmseal/internal/tpm2_device"
	tpmseal_tpm2 "github.com/snapcore/tpmseal/tpm2"
)

type options struct {
	Config string `long:"config" description:"Path to the configuration file" value-name:"PATH"`

	Seal        cmdSeal        `command:"seal" description:"Seal a new disk secret to the TPM and install it in the encrypted volume"`
	Verify      cmdVerify      `command:"verify" description:"Check the sealed object's policy against the current platform state"`
	Predict     cmdPredict     `command:"predict" description:"Print the predicted stage register values for a boot mode"`
	InstallHook cmdInstallHook `command:"install-hook" description:"Configure the encrypted volume to be unlocked by the unlock hook"`
	Status      cmdStatus      `command:"status" description:"Report the platform and sealing state"`
}

var opts options

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr

	keySlots      = tpmseal.LUKS2KeySlots
	checkPlatform = platform.Check
)

func openSecureElement() (se tpmseal.SecureElement, closeTPM func(), err error) {
	conn, err := tpmseal_tpm2.ConnectToDefaultTPM(tpm2_device.DeviceModeTryResourceManaged)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot connect to TPM: %w", err)
	}
	if !conn.IsEnabled() {
		conn.Close()
		return nil, nil, errors.New("the TPM is not enabled")
	}
	return tpmseal_tpm2.NewSecureElement(conn), func() { conn.Close() }, nil
}

var connectToTPM = openSecureElement

var readPassphrase = func(volume string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !terminal.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprintf(Stderr, "Enter the recovery passphrase for %s: ", volume)
	passphrase, err := terminal.ReadPassword(fd)
	fmt.Fprintln(Stderr)
	return passphrase, err
}

func loadConfig() (tpmseal.Config, error) {
	path := opts.Config
	if path == "" {
		path = paths.ConfigFile
	}
	return tpmseal.LoadConfig(path)
}

// policyOptions override the policy related configuration.
type policyOptions struct {
	PCRs     tpmseal.PCRList `long:"pcrs" description:"Registers to seal against, eg 0,2,5,7" value-name:"LIST"`
	StagePCR *int            `long:"stage-pcr" description:"Register that records the boot stage" value-name:"INDEX"`
	Handle   string          `long:"handle" description:"Persistent handle of the sealed object" value-name:"HANDLE"`
	Mode     string          `long:"mode" description:"Boot mode that the secret is released to"`
	Baseline string          `long:"stage-baseline" description:"Starting value of the stage register" choice:"current" choice:"zero" choice:"eventlog"`
}

func (o *policyOptions) apply(config *tpmseal.Config) error {
	if len(o.PCRs) > 0 {
		config.PCRs = o.PCRs
	}
	if o.StagePCR != nil {
		config.StagePCR = *o.StagePCR
	}
	if o.Handle != "" {
		handle, err := tpmseal.ParseHandle(o.Handle)
		if err != nil {
			return err
		}
		config.Handle = handle
	}
	if o.Mode != "" {
		config.BootMode = o.Mode
	}
	if o.Baseline != "" {
		baseline, err := tpmseal.ParseStageBaseline(o.Baseline)
		if err != nil {
			return err
		}
		config.StageBaseline = baseline
	}
	return config.Validate()
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(Stderr, "WARNING:", w)
	}
}

func printPlatformWarnings() {
	printWarnings(checkPlatform().Warnings())
}

func run(args []string) error {
	opts = options{}
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	_, err := parser.ParseArgs(args)
	return err
}

func main() {
	l, err := logger.New(os.Stderr, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot set up logging:", err)
		os.Exit(1)
	}
	logger.SetLogger(l)

	if err := run(os.Args[1:]); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
