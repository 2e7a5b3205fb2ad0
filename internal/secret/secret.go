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

// Package secret provides memory for holding key material that is locked
// into RAM, excluded from core dumps and wiped on release or on receipt of a
// terminating signal.
package secret

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/snapcore/snapd/logger"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var (
	unixMmap    = unix.Mmap
	unixMunmap  = unix.Munmap
	unixMlock   = unix.Mlock
	unixMadvise = unix.Madvise

	osExit = os.Exit
)

var (
	liveMu sync.Mutex
	live   = make(map[*Buffer]struct{})
)

// ErrWiped is returned when using a buffer that has already been wiped.
var ErrWiped = errors.New("secret buffer has been wiped")

// Buffer is a fixed size region of locked memory.
type Buffer struct {
	mu  sync.Mutex
	mem []byte
	n   int
}

// New allocates a locked buffer of the specified size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.New("invalid secret size")
	}

	pageSize := os.Getpagesize()
	length := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unixMmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, xerrors.Errorf("cannot map memory: %w", err)
	}
	if err := unixMlock(mem); err != nil {
		unixMunmap(mem)
		return nil, xerrors.Errorf("cannot lock memory: %w", err)
	}
	if err := unixMadvise(mem, unix.MADV_DONTDUMP); err != nil {
		logger.Debugf("cannot exclude secret from core dumps: %v", err)
	}

	b := &Buffer{mem: mem, n: size}

	liveMu.Lock()
	live[b] = struct{}{}
	liveMu.Unlock()

	return b, nil
}

// FromBytes allocates a locked buffer, copies data into it and then wipes
// data.
func FromBytes(data []byte) (*Buffer, error) {
	defer wipeBytes(data)

	b, err := New(len(data))
	if err != nil {
		return nil, err
	}
	copy(b.mem, data)
	return b, nil
}

// Bytes returns the contents of the buffer. The returned slice aliases the
// locked memory and must not be retained after Wipe is called.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	return b.mem[:b.n]
}

// Len returns the size of the buffer.
func (b *Buffer) Len() int {
	return b.n
}

// Wipe zeroes and releases the buffer. It is safe to call more than once.
func (b *Buffer) Wipe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mem == nil {
		return
	}
	wipeBytes(b.mem)
	if err := unixMunmap(b.mem); err != nil {
		logger.Noticef("cannot unmap secret buffer: %v", err)
	}
	b.mem = nil

	liveMu.Lock()
	delete(live, b)
	liveMu.Unlock()
}

// Wiped indicates whether Wipe has been called.
func (b *Buffer) Wiped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem == nil
}

// WipeAll wipes every buffer that is still live.
func WipeAll() {
	liveMu.Lock()
	var buffers []*Buffer
	for b := range live {
		buffers = append(buffers, b)
	}
	liveMu.Unlock()

	for _, b := range buffers {
		b.Wipe()
	}
}

// zeroAll zeroes every live buffer without releasing it, as other goroutines
// may still be accessing the memory.
func zeroAll() {
	liveMu.Lock()
	var buffers []*Buffer
	for b := range live {
		buffers = append(buffers, b)
	}
	liveMu.Unlock()

	for _, b := range buffers {
		b.mu.Lock()
		wipeBytes(b.mem)
		b.mu.Unlock()
	}
}

// WipeOnSignal arranges for the contents of all live buffers to be zeroed and
// for the process to exit if it receives SIGINT, SIGTERM or SIGHUP. The
// buffers stay mapped until the process exits. The returned function removes
// the handler.
func WipeOnSignal() (stop func()) {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		select {
		case sig := <-ch:
			zeroAll()
			logger.Noticef("wiped secrets after receiving %v", sig)
			code := 1
			if s, ok := sig.(syscall.Signal); ok {
				code = 128 + int(s)
			}
			osExit(code)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Wipe zeroes data in place, for secrets that were not allocated in a Buffer.
func Wipe(data []byte) {
	wipeBytes(data)
}
