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

// Package metersim simulates a utility meter (electric, water, or gas) as a
// Modbus TCP slave device. It provides the simulated register bank, the
// periodic meter model, and the Modbus TCP server and client needed to test
// industrial-automation clients without physical hardware.
package metersim

import "time"

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Supported Modbus function codes. Anything else is answered with an
// illegal-function exception.
const (
	FuncReadCoils            FunctionCode = 0x01
	FuncReadDiscreteInputs   FunctionCode = 0x02
	FuncReadHoldingRegisters FunctionCode = 0x03
	FuncReadInputRegisters   FunctionCode = 0x04
	FuncWriteSingleCoil      FunctionCode = 0x05
	FuncWriteSingleRegister  FunctionCode = 0x06
)

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	default:
		return "Unknown"
	}
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read at once.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read at once.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read at once.
	MaxQuantityRegisters = 125

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultTimeout is the default timeout for client operations.
	DefaultTimeout = 5 * time.Second

	// DefaultPort is the default listening port of the simulator.
	DefaultPort = 5020

	// DefaultTickInterval is the default simulation update period.
	DefaultTickInterval = 1 * time.Second
)

// Coil values on the wire for write-single-coil requests.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Address-space sizes of the simulated device.
const (
	HoldingRegisterCount = 200
	CoilCount            = 100
	DiscreteInputCount   = 16
)

// Holding-register map. Input registers are served from the same store, so
// the map applies to both spaces. Addresses 10-17 are meter-type specific:
// the electric layout and the water/gas layout share the same window.
const (
	RegConsumptionLo = 0 // cumulative consumption x100, low word
	RegConsumptionHi = 1 // cumulative consumption x100, high word
	RegRateLo        = 2 // instantaneous power/flow x10, low word
	RegRateHi        = 3 // instantaneous power/flow x10, high word

	// Electric layout (addresses 10-17).
	RegVoltageL1   = 10 // V x10
	RegVoltageL2   = 11 // V x10
	RegVoltageL3   = 12 // V x10
	RegCurrentL1   = 13 // A x100
	RegCurrentL2   = 14 // A x100
	RegCurrentL3   = 15 // A x100
	RegFrequency   = 16 // Hz x100
	RegPowerFactor = 17 // x1000

	// Water/gas layout (addresses 10-12).
	RegFlowRate    = 10 // m3/h x100
	RegTemperature = 11 // degC x10 + TemperatureOffset
	RegPressure    = 12 // bar x100

	RegOnlineStatus = 100 // 0/1 mirror of CoilOnline
	RegMeterType    = 101 // MeterType value
)

// Integer scale factors of the register map. A stored word equals
// round(physical * scale), plus the additive offset for temperature.
const (
	ScaleEnergy       = 100
	ScaleRate         = 10
	ScaleVoltage      = 10
	ScaleCurrent      = 100
	ScaleFrequency    = 100
	ScalePowerFactor  = 1000
	ScaleFlow         = 100
	ScaleTemperature  = 10
	ScalePressure     = 100
	TemperatureOffset = 400 // keeps sub-zero temperatures unsigned: -40.0C encodes as 0
)

// Coil map.
const (
	CoilOnline   = 0  // meter online, true at startup
	CoilAlarmAck = 1  // alarm acknowledge flag, free for clients
	CoilCommOK   = 2  // communication OK, true at startup
	CoilReset    = 10 // writing ON reinitializes counters; never latches
)

// Discrete-input map (alarm flags, read-only to clients). Address 0 is shared;
// 1-3 depend on the meter type, mirroring the holding-register window.
const (
	DiscreteOutage = 0 // supply outage

	// Electric.
	DiscreteOverVoltage  = 1
	DiscreteUnderVoltage = 2
	DiscreteFreqFault    = 3

	// Water/gas.
	DiscreteOverPressure    = 1
	DiscreteUnderPressure   = 2
	DiscreteOverTemperature = 3
)

// Handler defines the operations a Modbus data model must serve. The server
// performs protocol-level validation (quantity caps, PDU shape) and delegates
// address validation and the actual data access to the handler.
type Handler interface {
	ReadCoils(unitID UnitID, addr, qty uint16) ([]bool, error)
	ReadDiscreteInputs(unitID UnitID, addr, qty uint16) ([]bool, error)
	ReadHoldingRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error)
	ReadInputRegisters(unitID UnitID, addr, qty uint16) ([]uint16, error)
	WriteSingleCoil(unitID UnitID, addr uint16, value bool) error
	WriteSingleRegister(unitID UnitID, addr, value uint16) error
}

// ConnectionState represents the state of a client connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
