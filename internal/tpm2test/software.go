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

package tpm2test

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"github.com/canonical/go-tpm2/templates"
	kdf "github.com/canonical/go-sp800.108-kdf"

	"github.com/snapcore/tpmseal"
	"github.com/snapcore/tpmseal/internal/tcg"
)

type softObject struct {
	public    *tpm2.Public
	sensitive []byte
	primary   bool
}

type softTransient tpm2.Handle

func (h softTransient) Handle() tpm2.Handle {
	return tpm2.Handle(h)
}

// SoftwareTPM is an in-memory implementation of tpmseal.SecureElement with
// a single sha256 PCR bank. Register arithmetic and policy evaluation follow
// the TPM2 library specification, so it can stand in for a real TPM in tests
// of sealing and unsealing. Sealed objects are protected with an AES-GCM key
// derived from a per-instance seed, so a private area can only be loaded by
// the instance that created it.
type SoftwareTPM struct {
	rand       io.Reader
	storageKey []byte

	pcrs       [tcg.MaxPCR + 1]tpm2.Digest
	transient  map[tpm2.Handle]*softObject
	persistent map[tpm2.Handle]*softObject
	nextHandle tpm2.Handle

	failures map[string]error
	calls    []string

	// BypassPolicy makes Unseal release the secret regardless of the
	// register values.
	BypassPolicy bool

	// PublicAreaHook is called on the public area returned from ReadPublic.
	PublicAreaHook func(pub *tpm2.Public)
}

// NewSoftwareTPM returns a new SoftwareTPM with all registers in their reset
// state. The supplied reader provides the storage seed and the nonces for
// protecting sealed objects.
func NewSoftwareTPM(rand io.Reader) (*SoftwareTPM, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, err
	}

	s := &SoftwareTPM{
		rand:       rand,
		storageKey: kdf.CounterModeKey(kdf.NewHMACPRF(crypto.SHA256), seed, []byte("STORAGE"), nil, 256),
		persistent: make(map[tpm2.Handle]*softObject),
		failures:   make(map[string]error),
	}
	s.Reset()
	return s, nil
}

// Reset simulates a platform reset. Registers return to their reset value and
// transient objects are lost. Persistent objects are retained.
func (s *SoftwareTPM) Reset() {
	for i := range s.pcrs {
		s.pcrs[i] = make(tpm2.Digest, sha256.Size)
	}
	s.transient = make(map[tpm2.Handle]*softObject)
	s.nextHandle = 0x80000000
}

// FailOn makes the named operation return err. For ExtendRegister, the
// operation can be qualified by the event data, eg "ExtendRegister:postboot".
// Passing a nil error removes the failure.
func (s *SoftwareTPM) FailOn(op string, err error) {
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *SoftwareTPM) fail(ops ...string) error {
	for _, op := range ops {
		if err, ok := s.failures[op]; ok {
			return err
		}
	}
	return nil
}

func (s *SoftwareTPM) record(format string, args ...interface{}) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

// Calls returns a description of each operation performed, in order.
func (s *SoftwareTPM) Calls() []string {
	return s.calls
}

// ForgetCalls discards the recorded operations.
func (s *SoftwareTPM) ForgetCalls() {
	s.calls = nil
}

// PCRValue returns the current value of the specified register.
func (s *SoftwareTPM) PCRValue(pcr int) tpm2.Digest {
	return append(tpm2.Digest(nil), s.pcrs[pcr]...)
}

// SetPCRValue sets the value of the specified register.
func (s *SoftwareTPM) SetPCRValue(pcr int, value tpm2.Digest) {
	s.pcrs[pcr] = append(tpm2.Digest(nil), value...)
}

// HasPersistent indicates whether there is a persistent object at handle.
func (s *SoftwareTPM) HasPersistent(handle tpm2.Handle) bool {
	_, ok := s.persistent[handle]
	return ok
}

// TransientObjects returns the number of loaded transient objects.
func (s *SoftwareTPM) TransientObjects() int {
	return len(s.transient)
}

func (s *SoftwareTPM) ReadRegisters(pcrs tpm2.PCRSelectionList) (tpm2.PCRValues, error) {
	s.record("ReadRegisters")
	if err := s.fail("ReadRegisters"); err != nil {
		return nil, err
	}
	return s.readRegisters(pcrs)
}

func (s *SoftwareTPM) readRegisters(pcrs tpm2.PCRSelectionList) (tpm2.PCRValues, error) {
	values := make(tpm2.PCRValues)
	for _, sel := range pcrs {
		if sel.Hash != tpm2.HashAlgorithmSHA256 {
			return nil, fmt.Errorf("unsupported PCR bank %v", sel.Hash)
		}
		for _, pcr := range sel.Select {
			if pcr < 0 || pcr > tcg.MaxPCR {
				return nil, fmt.Errorf("invalid PCR %d", pcr)
			}
			values.SetValue(sel.Hash, pcr, s.PCRValue(pcr))
		}
	}
	return values, nil
}

func (s *SoftwareTPM) ExtendRegister(pcr int, data []byte) error {
	s.record("ExtendRegister(%d, %s)", pcr, data)
	if err := s.fail("ExtendRegister", "ExtendRegister:"+string(data)); err != nil {
		return err
	}
	if pcr < 0 || pcr > tcg.MaxPCR {
		return fmt.Errorf("invalid PCR %d", pcr)
	}

	event := sha256.Sum256(data)
	h := sha256.New()
	h.Write(s.pcrs[pcr])
	h.Write(event[:])
	s.pcrs[pcr] = h.Sum(nil)
	return nil
}

func (s *SoftwareTPM) CreatePrimary() (tpmseal.Transient, error) {
	s.record("CreatePrimary")
	if err := s.fail("CreatePrimary"); err != nil {
		return nil, err
	}
	return s.load(&softObject{primary: true}), nil
}

func (s *SoftwareTPM) load(object *softObject) softTransient {
	handle := s.nextHandle
	s.nextHandle++
	s.transient[handle] = object
	return softTransient(handle)
}

func (s *SoftwareTPM) primary(object tpmseal.Transient) error {
	o, ok := s.transient[object.Handle()]
	if !ok || !o.primary {
		return fmt.Errorf("handle %#x is not a loaded primary key", uint32(object.Handle()))
	}
	return nil
}

// ComputePolicyDigest computes the digest of a single TPM2_PolicyPCR
// assertion from the initial policy digest.
func (s *SoftwareTPM) ComputePolicyDigest(alg tpm2.HashAlgorithmId, pcrs tpm2.PCRSelectionList, values tpm2.PCRValues) (tpm2.Digest, error) {
	s.record("ComputePolicyDigest")
	if err := s.fail("ComputePolicyDigest"); err != nil {
		return nil, err
	}
	return computePolicyPCRDigest(alg, pcrs, values)
}

func computePolicyPCRDigest(alg tpm2.HashAlgorithmId, pcrs tpm2.PCRSelectionList, values tpm2.PCRValues) (tpm2.Digest, error) {
	if alg != tpm2.HashAlgorithmSHA256 {
		return nil, fmt.Errorf("unsupported policy algorithm %v", alg)
	}

	// pcrDigest is the digest of the selected values in ascending
	// order of bank and index.
	pcrDigest := sha256.New()
	for _, sel := range pcrs {
		selected := append([]int(nil), sel.Select...)
		sort.Ints(selected)
		for _, pcr := range selected {
			v, ok := values[sel.Hash][pcr]
			if !ok {
				return nil, fmt.Errorf("no value for PCR %d", pcr)
			}
			pcrDigest.Write(v)
		}
	}

	selection, err := mu.MarshalToBytes(pcrs)
	if err != nil {
		return nil, err
	}

	// policyDigest' = H(policyDigest || TPM_CC_PolicyPCR || pcrs || pcrDigest)
	h := sha256.New()
	h.Write(make([]byte, sha256.Size))
	binary.Write(h, binary.BigEndian, tpm2.CommandPolicyPCR)
	h.Write(selection)
	h.Write(pcrDigest.Sum(nil))
	return h.Sum(nil), nil
}

func (s *SoftwareTPM) aead() cipher.AEAD {
	b, err := aes.NewCipher(s.storageKey)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(b)
	if err != nil {
		panic(err)
	}
	return aead
}

func (s *SoftwareTPM) CreateSealed(primary tpmseal.Transient, policy tpm2.Digest, secret []byte) (*tpmseal.SealedObject, error) {
	s.record("CreateSealed")
	if err := s.fail("CreateSealed"); err != nil {
		return nil, err
	}
	if err := s.primary(primary); err != nil {
		return nil, err
	}

	pub := templates.NewSealedObject(tpm2.HashAlgorithmSHA256)
	pub.Attrs &^= tpm2.AttrUserWithAuth
	pub.AuthPolicy = append(tpm2.Digest(nil), policy...)

	aad, err := mu.MarshalToBytes(pub)
	if err != nil {
		return nil, err
	}

	aead := s.aead()
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, err
	}

	priv := aead.Seal(nonce, nonce, secret, aad)
	return &tpmseal.SealedObject{Public: pub, Private: priv}, nil
}

func (s *SoftwareTPM) LoadSealed(primary tpmseal.Transient, object *tpmseal.SealedObject) (tpmseal.Transient, error) {
	s.record("LoadSealed")
	if err := s.fail("LoadSealed"); err != nil {
		return nil, err
	}
	if err := s.primary(primary); err != nil {
		return nil, err
	}

	aad, err := mu.MarshalToBytes(object.Public)
	if err != nil {
		return nil, err
	}

	aead := s.aead()
	if len(object.Private) < aead.NonceSize() {
		return nil, errors.New("invalid private area")
	}
	sensitive, err := aead.Open(nil, object.Private[:aead.NonceSize()], object.Private[aead.NonceSize():], aad)
	if err != nil {
		return nil, fmt.Errorf("integrity check failed: %w", err)
	}

	pub := *object.Public
	pub.AuthPolicy = append(tpm2.Digest(nil), object.Public.AuthPolicy...)
	return s.load(&softObject{public: &pub, sensitive: sensitive}), nil
}

func (s *SoftwareTPM) PersistAt(object tpmseal.Transient, handle tpm2.Handle) error {
	s.record("PersistAt(%#x)", uint32(handle))
	if err := s.fail("PersistAt"); err != nil {
		return err
	}

	o, ok := s.transient[object.Handle()]
	if !ok || o.primary {
		return fmt.Errorf("handle %#x is not a loaded sealed object", uint32(object.Handle()))
	}
	if _, exists := s.persistent[handle]; exists {
		return fmt.Errorf("a resource already exists at handle %#x", uint32(handle))
	}

	s.persistent[handle] = &softObject{public: o.public, sensitive: append([]byte(nil), o.sensitive...)}
	return nil
}

func (s *SoftwareTPM) Evict(handle tpm2.Handle) error {
	s.record("Evict(%#x)", uint32(handle))
	if err := s.fail("Evict"); err != nil {
		return err
	}
	if _, exists := s.persistent[handle]; !exists {
		return tpmseal.ErrNoSealedObject
	}
	delete(s.persistent, handle)
	return nil
}

func (s *SoftwareTPM) Unseal(handle tpm2.Handle, pcrs tpm2.PCRSelectionList) ([]byte, error) {
	s.record("Unseal(%#x)", uint32(handle))
	if err := s.fail("Unseal"); err != nil {
		return nil, err
	}

	o, exists := s.persistent[handle]
	if !exists {
		return nil, tpmseal.ErrNoSealedObject
	}

	if !s.BypassPolicy {
		values, err := s.readRegisters(pcrs)
		if err != nil {
			return nil, err
		}
		digest, err := computePolicyPCRDigest(tpm2.HashAlgorithmSHA256, pcrs, values)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(digest, o.public.AuthPolicy) {
			return nil, tpmseal.ErrPolicyCheckFailed
		}
	}

	return append([]byte(nil), o.sensitive...), nil
}

func (s *SoftwareTPM) ReadPublic(handle tpm2.Handle) (*tpm2.Public, error) {
	s.record("ReadPublic(%#x)", uint32(handle))
	if err := s.fail("ReadPublic"); err != nil {
		return nil, err
	}

	o, exists := s.persistent[handle]
	if !exists {
		return nil, tpmseal.ErrNoSealedObject
	}

	pub := *o.public
	pub.AuthPolicy = append(tpm2.Digest(nil), o.public.AuthPolicy...)
	if s.PublicAreaHook != nil {
		s.PublicAreaHook(&pub)
	}
	return &pub, nil
}

func (s *SoftwareTPM) Flush(object tpmseal.Transient) error {
	s.record("Flush(%#x)", uint32(object.Handle()))
	if err := s.fail("Flush"); err != nil {
		return err
	}
	if _, ok := s.transient[object.Handle()]; !ok {
		return fmt.Errorf("handle %#x is not loaded", uint32(object.Handle()))
	}
	delete(s.transient, object.Handle())
	return nil
}
