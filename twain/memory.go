// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package twain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/edsrzf/mmap-go"
)

var ErrFreed = errors.New("native memory already freed")

// NativeMemory is an off-heap block shared with the driver. It is backed by
// an anonymous mapping so the Go collector never moves or frees it.
type NativeMemory struct {
	data   mmap.MMap
	locked bool
}

// Alloc maps size bytes of zeroed memory.
func Alloc(size int) (*NativeMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alloc: invalid size %d", size)
	}
	data, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, err)
	}
	return &NativeMemory{data: data}, nil
}

// AllocBytes copies b into a new block.
func AllocBytes(b []byte) (*NativeMemory, error) {
	size := len(b)
	if size == 0 {
		size = 1
	}
	m, err := Alloc(size)
	if err != nil {
		return nil, err
	}
	copy(m.data, b)
	return m, nil
}

func (m *NativeMemory) Len() int {
	if m == nil {
		return 0
	}
	return len(m.data)
}

// Bytes returns the mapped region. It is invalid after Free.
func (m *NativeMemory) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

// Lock pins the block in RAM and returns its contents.
func (m *NativeMemory) Lock() ([]byte, error) {
	if m == nil || m.data == nil {
		return nil, ErrFreed
	}
	if !m.locked {
		if err := m.data.Lock(); err != nil {
			return nil, fmt.Errorf("lock: %w", err)
		}
		m.locked = true
	}
	return m.data, nil
}

func (m *NativeMemory) Unlock() error {
	if m == nil || m.data == nil {
		return ErrFreed
	}
	if !m.locked {
		return nil
	}
	m.locked = false
	return m.data.Unlock()
}

// Free unmaps the block. Calling Free twice is harmless.
func (m *NativeMemory) Free() error {
	if m == nil || m.data == nil {
		return nil
	}
	if m.locked {
		_ = m.data.Unlock()
		m.locked = false
	}
	err := m.data.Unmap()
	m.data = nil
	return err
}

// HandleTable maps the numeric handles used in text records to live blocks.
type HandleTable struct {
	mu     sync.Mutex
	next   uint64
	byID   map[uint64]*NativeMemory
	byAddr map[*NativeMemory]uint64
}

func NewHandleTable() *HandleTable {
	return &HandleTable{
		next:   1,
		byID:   make(map[uint64]*NativeMemory),
		byAddr: make(map[*NativeMemory]uint64),
	}
}

// Handle returns the id for m, registering it on first use. Nil maps to 0.
func (t *HandleTable) Handle(m *NativeMemory) uint64 {
	if m == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byAddr[m]; ok {
		return id
	}
	id := t.next
	t.next++
	t.byID[id] = m
	t.byAddr[m] = id
	return id
}

// Lookup resolves a handle id. Zero resolves to nil.
func (t *HandleTable) Lookup(id uint64) (*NativeMemory, bool) {
	if id == 0 {
		return nil, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	return m, ok
}

// Forget drops a handle and frees its block.
func (t *HandleTable) Forget(id uint64) error {
	t.mu.Lock()
	m, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		delete(t.byAddr, m)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown handle %d", id)
	}
	return m.Free()
}
