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

package luks2

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/snapcore/snapd/osutil"
	"golang.org/x/xerrors"
)

const (
	// AnySlot tells AddKey to automatically choose an appropriate slot
	// as opposed to hard coding one.
	AnySlot = -1
)

// ErrInvalidPassphrase is returned when cryptsetup rejects the supplied
// existing passphrase.
var ErrInvalidPassphrase = errors.New("no key slot can be unlocked with the supplied passphrase")

// cryptsetupExitNoPermission is the cryptsetup exit code for a bad passphrase.
const cryptsetupExitNoPermission = 2

// CryptsetupError is returned when the cryptsetup command fails.
type CryptsetupError struct {
	ExitCode int
	err      error
}

func (e *CryptsetupError) Error() string {
	return fmt.Sprintf("cryptsetup failed with: %v", e.err)
}

// cryptsetupCmd is a helper for running the cryptsetup command. If stdin is supplied, data read
// from it is supplied to cryptsetup via its stdin.
func cryptsetupCmd(stdin io.Reader, args ...string) error {
	cmd := exec.Command("cryptsetup", args...)
	cmd.Stdin = stdin

	if output, err := cmd.CombinedOutput(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if xerrors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &CryptsetupError{ExitCode: exitCode, err: osutil.OutputErr(output, err)}
	}

	return nil
}

// KDFType corresponds to a key derivation function.
type KDFType string

const (
	KDFTypePBKDF2   KDFType = "pbkdf2"
	KDFTypeArgon2i  KDFType = "argon2i"
	KDFTypeArgon2id KDFType = "argon2id"
)

// Hash corresponds to a cryptographic digest algorithm.
type Hash string

const (
	HashSHA1   Hash = "sha1"
	HashSHA256 Hash = "sha256"
	HashSHA384 Hash = "sha384"
	HashSHA512 Hash = "sha512"
)

// KDFOptions specifies parameters for the key slot KDF.
type KDFOptions struct {
	// Type is the KDF type.
	Type KDFType

	// TargetDuration specifies the target time for benchmarking of the
	// cost parameters. If it is zero then the cryptsetup default is used.
	// If ForceIterations is not zero then this is ignored.
	TargetDuration time.Duration

	// ForceIterations specifies the time cost, disabling benchmarking.
	ForceIterations uint32

	// Hash is the digest algorithm for the KDF. If set to zero then the cryptsetup
	// default is used. This is only relevant when Type is pbkdf2.
	Hash Hash
}

func (options *KDFOptions) validate() error {
	if options.ForceIterations != 0 && options.TargetDuration != 0 {
		return errors.New("cannot use both ForceIterations and TargetDuration")
	}

	switch options.Type {
	case KDFTypePBKDF2:
		if options.ForceIterations != 0 && options.ForceIterations < 1000 {
			return fmt.Errorf("cannot set pbkdf2 ForceIterations to %d", options.ForceIterations)
		}
		switch options.Hash {
		case HashSHA1, HashSHA256, HashSHA384, HashSHA512, "":
			// ok
		default:
			return fmt.Errorf("cannot set pbkdf2 hash to %v", options.Hash)
		}
	case KDFTypeArgon2i, KDFTypeArgon2id:
		switch {
		case options.ForceIterations != 0 && options.ForceIterations < 4:
			return fmt.Errorf("cannot set argon2 ForceIterations to %d", options.ForceIterations)
		case options.Hash != "":
			return errors.New("cannot use pbkdf2 options with argon2")
		}
	case "":
		if options.ForceIterations != 0 || options.Hash != "" {
			return errors.New("cannot set options without selecting a type")
		}
	default:
		return fmt.Errorf("cannot set type to %v", options.Type)
	}

	return nil
}

func (options *KDFOptions) appendArguments(args []string) []string {
	if options.Type != "" {
		args = append(args, "--pbkdf", string(options.Type))
	}
	if options.TargetDuration != 0 {
		args = append(args,
			"--iter-time", strconv.FormatInt(int64(options.TargetDuration/time.Millisecond), 10))
	}
	if options.ForceIterations != 0 {
		args = append(args,
			"--pbkdf-force-iterations", strconv.FormatUint(uint64(options.ForceIterations), 10))
	}
	if options.Hash != "" {
		args = append(args, "--hash", string(options.Hash))
	}

	return args
}

// AddKeyOptions provides the options for adding a key to a LUKS2 volume
type AddKeyOptions struct {
	// KDFOptions describes the KDF options for the new key slot.
	KDFOptions KDFOptions

	// Slot is the keyslot to use. Note that the default value is slot 0. In
	// order to automatically choose a slot, use AnySlot.
	Slot int
}

// AddKey adds the supplied key in to a new keyslot for specified LUKS2 container. In order to do this,
// an existing key must be provided.
//
// If options is not supplied, the default KDF benchmark time is used and the command will
// automatically choose an appropriate slot.
func AddKey(devicePath string, existingKey, key []byte, options *AddKeyOptions) error {
	if options == nil {
		options = &AddKeyOptions{Slot: AnySlot}
	}
	if err := options.KDFOptions.validate(); err != nil {
		return err
	}

	args := []string{
		// add a new key
		"luksAddKey",
		// LUKS2 only
		"--type", "luks2",
		// read existing key from stdin, specifying key size so
		// cryptsetup knows where the existing key ends and the new key
		// starts (we are passing both keys via stdin). Otherwise it
		// would interpret new lines as separator for the keys, while
		// we actually allow '\n' to be part of the keys.
		"--key-file", "-",
		"--keyfile-size", strconv.Itoa(len(existingKey)),
		// remove warnings and confirmation questions
		"--batch-mode"}

	// apply KDF options
	args = options.KDFOptions.appendArguments(args)

	if options.Slot != AnySlot {
		args = append(args, "--key-slot", strconv.Itoa(options.Slot))
	}

	args = append(args,
		// container to add key to
		devicePath,
		// we read raw bytes up to EOF (so new key can contain '\n':
		// without the option it would be interpreted as end of key)
		"-",
	)

	// existing and new key are both read from stdin
	cmdInput := make([]byte, 0, len(existingKey)+len(key))
	cmdInput = append(cmdInput, existingKey...)
	cmdInput = append(cmdInput, key...)
	defer wipe(cmdInput)

	return cryptsetupCmd(bytes.NewReader(cmdInput), args...)
}

// KillSlot erases the keyslot with the supplied slot number from the specified LUKS2 container.
//
// WARNING: This function will remove the last keyslot if there is only one left,
// which will make the encrypted data permanently inaccessible.
func KillSlot(devicePath string, slot int) error {
	return cryptsetupCmd(nil, "luksKillSlot", "--batch-mode", "--type", "luks2", devicePath, strconv.Itoa(slot))
}

// TestPassphrase checks that the supplied key unlocks one of the key slots of
// the specified LUKS2 container, without activating it. ErrInvalidPassphrase
// is returned if it doesn't.
func TestPassphrase(devicePath string, key []byte) error {
	err := cryptsetupCmd(bytes.NewReader(key), "open", "--test-passphrase", "--type", "luks2",
		"--key-file", "-", "--keyfile-size", strconv.Itoa(len(key)), devicePath)

	var csErr *CryptsetupError
	switch {
	case xerrors.As(err, &csErr) && csErr.ExitCode == cryptsetupExitNoPermission:
		return ErrInvalidPassphrase
	case err != nil:
		return err
	}
	return nil
}

// IsLUKS2 indicates whether the specified device contains a LUKS2 header.
func IsLUKS2(devicePath string) (bool, error) {
	err := cryptsetupCmd(nil, "isLuks", "--type", "luks2", devicePath)

	var csErr *CryptsetupError
	switch {
	case xerrors.As(err, &csErr) && csErr.ExitCode == 1:
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
