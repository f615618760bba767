// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metersim

import "sync"

// RegisterBank owns all addressable state of the simulated meter: holding
// registers (also served as input registers from the same backing store),
// coils, and discrete inputs. It is the single shared-mutable resource in the
// process; the simulation engine and every client connection hold a reference
// to the same bank.
//
// A single read-write mutex makes each logical operation atomic: one read-N
// call, one write-single call, or one full simulation tick. The simulation
// engine always takes the write side, so a reader can never observe half of a
// 32-bit register pair from before a tick and the other half from after.
type RegisterBank struct {
	mu        sync.RWMutex
	holding   []uint16
	coils     []bool
	discrete  []bool
	meterType MeterType
	onReset   func(*RegisterBank)
}

// NewRegisterBank creates a register bank for the given meter type with the
// documented address-space sizes. Coil 0 (online) and coil 2 (communication
// OK) start true; the status registers mirror them.
func NewRegisterBank(mt MeterType) *RegisterBank {
	b := &RegisterBank{
		holding:   make([]uint16, HoldingRegisterCount),
		coils:     make([]bool, CoilCount),
		discrete:  make([]bool, DiscreteInputCount),
		meterType: mt,
	}
	b.coils[CoilOnline] = true
	b.coils[CoilCommOK] = true
	b.holding[RegOnlineStatus] = 1
	b.holding[RegMeterType] = uint16(mt)
	return b
}

// MeterType returns the meter type the bank was built for.
func (b *RegisterBank) MeterType() MeterType {
	return b.meterType
}

// OnReset registers the hook invoked when the reset coil is written ON. The
// hook runs synchronously, with the bank write lock held, before the write is
// acknowledged; it must mutate state only through the locked setters.
func (b *RegisterBank) OnReset(fn func(*RegisterBank)) {
	b.mu.Lock()
	b.onReset = fn
	b.mu.Unlock()
}

// update runs fn while holding the write lock. The simulation engine performs
// each tick through a single update call so related fields (a value and its
// alarm flag) stay mutually consistent to any reader.
func (b *RegisterBank) update(fn func(*RegisterBank)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// Locked setters, for use inside update and reset closures only.

func (b *RegisterBank) setRegisterLocked(addr int, value uint16) {
	b.holding[addr] = value
}

// setU32Locked stores a 32-bit value as two consecutive registers, low word
// at the lower address.
func (b *RegisterBank) setU32Locked(loAddr int, value uint32) {
	lo, hi := WordsFromU32(value)
	b.holding[loAddr] = lo
	b.holding[loAddr+1] = hi
}

func (b *RegisterBank) setDiscreteLocked(addr int, value bool) {
	b.discrete[addr] = value
}

// ReadCoils implements Handler. The unit ID is ignored: the simulator serves
// a single unit per listening socket.
func (b *RegisterBank) ReadCoils(_ UnitID, addr, qty uint16) ([]bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if int(addr)+int(qty) > len(b.coils) {
		return nil, NewModbusError(FuncReadCoils, ExceptionIllegalDataAddress)
	}
	result := make([]bool, qty)
	copy(result, b.coils[addr:int(addr)+int(qty)])
	return result, nil
}

// ReadDiscreteInputs implements Handler.
func (b *RegisterBank) ReadDiscreteInputs(_ UnitID, addr, qty uint16) ([]bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if int(addr)+int(qty) > len(b.discrete) {
		return nil, NewModbusError(FuncReadDiscreteInputs, ExceptionIllegalDataAddress)
	}
	result := make([]bool, qty)
	copy(result, b.discrete[addr:int(addr)+int(qty)])
	return result, nil
}

// ReadHoldingRegisters implements Handler.
func (b *RegisterBank) ReadHoldingRegisters(_ UnitID, addr, qty uint16) ([]uint16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if int(addr)+int(qty) > len(b.holding) {
		return nil, NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)
	}
	result := make([]uint16, qty)
	copy(result, b.holding[addr:int(addr)+int(qty)])
	return result, nil
}

// ReadInputRegisters implements Handler. Input registers are the holding
// registers served through a read-only access path.
func (b *RegisterBank) ReadInputRegisters(_ UnitID, addr, qty uint16) ([]uint16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if int(addr)+int(qty) > len(b.holding) {
		return nil, NewModbusError(FuncReadInputRegisters, ExceptionIllegalDataAddress)
	}
	result := make([]uint16, qty)
	copy(result, b.holding[addr:int(addr)+int(qty)])
	return result, nil
}

// WriteSingleCoil implements Handler. Writing ON to the reset coil triggers
// the registered reset hook synchronously, under the same lock acquisition,
// so the triggering client sees the reinitialized counters on its next read
// and a concurrent tick can never interleave with the reset.
func (b *RegisterBank) WriteSingleCoil(_ UnitID, addr uint16, value bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(addr) >= len(b.coils) {
		return NewModbusError(FuncWriteSingleCoil, ExceptionIllegalDataAddress)
	}

	if addr == CoilReset {
		// Command coil: acts on ON, never latches.
		if value && b.onReset != nil {
			b.onReset(b)
		}
		return nil
	}

	b.coils[addr] = value
	if addr == CoilOnline {
		if value {
			b.holding[RegOnlineStatus] = 1
		} else {
			b.holding[RegOnlineStatus] = 0
		}
	}
	return nil
}

// WriteSingleRegister implements Handler.
func (b *RegisterBank) WriteSingleRegister(_ UnitID, addr, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(addr) >= len(b.holding) {
		return NewModbusError(FuncWriteSingleRegister, ExceptionIllegalDataAddress)
	}
	b.holding[addr] = value
	return nil
}

// Direct accessors for wiring and tests.

// Register returns a single holding register value.
func (b *RegisterBank) Register(addr uint16) uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(addr) >= len(b.holding) {
		return 0
	}
	return b.holding[addr]
}

// U32 returns the 32-bit value stored at the register pair starting at loAddr.
func (b *RegisterBank) U32(loAddr uint16) uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(loAddr)+1 >= len(b.holding) {
		return 0
	}
	return U32FromWords(b.holding[loAddr], b.holding[loAddr+1])
}

// Coil returns a single coil value.
func (b *RegisterBank) Coil(addr uint16) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(addr) >= len(b.coils) {
		return false
	}
	return b.coils[addr]
}

// DiscreteInput returns a single discrete input value.
func (b *RegisterBank) DiscreteInput(addr uint16) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(addr) >= len(b.discrete) {
		return false
	}
	return b.discrete[addr]
}

// Snapshot returns a copy of the full holding-register space, taken under one
// lock acquisition.
func (b *RegisterBank) Snapshot() []uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]uint16, len(b.holding))
	copy(result, b.holding)
	return result
}
