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

package tpm2

import (
	_ "crypto/sha256"

	"github.com/canonical/go-tpm2"

	"golang.org/x/xerrors"

	"github.com/snapcore/tpmseal/internal/tcg"
	"github.com/snapcore/tpmseal/internal/tpm2_device"
)

const defaultSessionHashAlgorithm = tpm2.HashAlgorithmSHA256

var sessionSymmetric = tpm2.SymDef{
	Algorithm: tpm2.SymAlgorithmAES,
	KeyBits:   &tpm2.SymKeyBitsU{Sym: 128},
	Mode:      &tpm2.SymModeU{Sym: tpm2.SymModeCFB},
}

// Connection corresponds to a connection to a TPM device, and is a wrapper around *tpm2.TPMContext.
type Connection struct {
	*tpm2.TPMContext
	ek          tpm2.ResourceContext
	hmacSession tpm2.SessionContext
}

// IsEnabled indicates whether the TPM is enabled or whether it has been disabled by the platform firmware. A TPM device can be
// disabled by the platform firmware by disabling the storage and endorsement hierarchies, but still remain visible to the operating
// system.
func (t *Connection) IsEnabled() bool {
	props, err := t.GetCapabilityTPMProperties(tpm2.PropertyStartupClear, 1)
	if err != nil || len(props) == 0 {
		return false
	}
	const enabledMask = tpm2.AttrShEnable | tpm2.AttrEhEnable
	return tpm2.StartupClearAttributes(props[0].Value)&enabledMask == enabledMask
}

// HmacSession returns a HMAC session with the AttrContinueSession attribute
// set. If an endorsement key exists, it is also salted with this and configured
// with parameter encryption. There is no validation of the endorsement key, so
// this only protects against passive interposers.
func (t *Connection) HmacSession() tpm2.SessionContext {
	if t.hmacSession == nil {
		return nil
	}
	return t.hmacSession.WithAttrs(tpm2.AttrContinueSession)
}

// encryptSession returns the HMAC session with command parameter encryption
// enabled, if it supports this.
func (t *Connection) encryptSession() tpm2.SessionContext {
	if t.ek == nil {
		return t.HmacSession()
	}
	return t.HmacSession().IncludeAttrs(tpm2.AttrCommandEncrypt)
}

func (t *Connection) Close() error {
	if t.hmacSession != nil {
		t.FlushContext(t.hmacSession)
	}
	return t.TPMContext.Close()
}

func (t *Connection) init() (err error) {
	// Allow init to be called more than once by flushing the previous session
	if t.hmacSession != nil && t.hmacSession.Handle() != tpm2.HandleUnassigned {
		t.FlushContext(t.hmacSession)
		t.hmacSession = nil
	}
	t.ek = nil

	ek, err := t.CreateResourceContextFromTPM(tcg.EKHandle)
	switch {
	case tpm2.IsResourceUnavailableError(err, tcg.EKHandle):
		// ok
	case err != nil:
		return xerrors.Errorf("cannot obtain EK context: %w", err)
	default:
		// Only use the EK if it's a non-duplicable asymmetric storage parent.
		pub, _, _, err := t.TPMContext.ReadPublic(ek)
		if err != nil {
			return xerrors.Errorf("cannot obtain EK public area: %w", err)
		}

		if !pub.IsAsymmetric() || !pub.IsStorageParent() || pub.Attrs&(tpm2.AttrFixedParent|tpm2.AttrFixedTPM) != tpm2.AttrFixedParent|tpm2.AttrFixedTPM {
			ek = nil
		}
	}

	// Only enable parameter encryption if we have a suitable TPM key for key exchange.
	var symmetric *tpm2.SymDef
	if ek != nil {
		symmetric = &sessionSymmetric
	}

	session, err := t.StartAuthSession(ek, nil, tpm2.SessionTypeHMAC, symmetric, defaultSessionHashAlgorithm, nil)
	if err != nil {
		return xerrors.Errorf("cannot create HMAC session: %w", err)
	}

	t.ek = ek
	t.hmacSession = session
	return nil
}

// NewConnection initializes a connection from an existing TPM context. The
// connection takes ownership of tpm.
func NewConnection(tpm *tpm2.TPMContext) (*Connection, error) {
	t := &Connection{TPMContext: tpm}
	if err := t.init(); err != nil {
		t.Close()
		return nil, xerrors.Errorf("cannot initialize TPM connection: %w", err)
	}
	return t, nil
}

// connectToDefaultTPM opens a connection to the default TPM device.
func connectToDefaultTPM(mode tpm2_device.DeviceMode) (*tpm2.TPMContext, error) {
	dev, err := tpm2_device.DefaultDevice(mode)
	if err != nil {
		return nil, err
	}

	tpm, err := tpm2.OpenTPMDevice(dev)
	if err != nil {
		return nil, err
	}

	return tpm, nil
}

// ConnectToDefaultTPM will attempt to connect to the default TPM2 device.
// The unlock hook runs before the resource manager is available, so it
// should use tpm2_device.DeviceModeDirect. Other callers should use
// tpm2_device.DeviceModeTryResourceManaged.
//
// If no TPM2 device is available, then a ErrNoTPM2Device error will be returned.
func ConnectToDefaultTPM(mode tpm2_device.DeviceMode) (*Connection, error) {
	tpm, err := connectToDefaultTPM(mode)
	if err != nil {
		return nil, err
	}
	return NewConnection(tpm)
}
