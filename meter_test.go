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

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestParseMeterType(t *testing.T) {
	tests := []struct {
		input  string
		expect MeterType
		ok     bool
	}{
		{"electric", Electric, true},
		{"Water", Water, true},
		{"GAS", Gas, true},
		{"steam", Electric, false},
		{"", Electric, false},
	}

	for _, tt := range tests {
		mt, err := ParseMeterType(tt.input)
		if tt.ok && err != nil {
			t.Errorf("ParseMeterType(%q): unexpected error %v", tt.input, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ParseMeterType(%q): expected error", tt.input)
		}
		if tt.ok && mt != tt.expect {
			t.Errorf("ParseMeterType(%q): expected %s, got %s", tt.input, tt.expect, mt)
		}
	}
}

func TestNewSimulator_InitialRegisters(t *testing.T) {
	bank := NewRegisterBank(Electric)
	NewSimulator(bank, WithSeed(1))

	// 1234.56 kWh x100
	if got := bank.U32(RegConsumptionLo); got != 123456 {
		t.Errorf("Consumption: expected 123456, got %d", got)
	}
	// 5000 W x10
	if got := bank.U32(RegRateLo); got != 50000 {
		t.Errorf("Rate: expected 50000, got %d", got)
	}
	// 230 V x10, all phases
	for _, addr := range []uint16{RegVoltageL1, RegVoltageL2, RegVoltageL3} {
		if got := bank.Register(addr); got != 2300 {
			t.Errorf("Voltage at %d: expected 2300, got %d", addr, got)
		}
	}
	// 50 Hz x100
	if got := bank.Register(RegFrequency); got != 5000 {
		t.Errorf("Frequency: expected 5000, got %d", got)
	}
	// 0.95 x1000
	if got := bank.Register(RegPowerFactor); got != 950 {
		t.Errorf("Power factor: expected 950, got %d", got)
	}
	// I = P / (3 * V * pf) = 5000 / (3 * 230 * 0.95) = 7.63 A x100
	if got := bank.Register(RegCurrentL1); got != 763 {
		t.Errorf("Current: expected 763, got %d", got)
	}
	if got := bank.Register(RegMeterType); got != uint16(Electric) {
		t.Errorf("Meter type register: expected %d, got %d", Electric, got)
	}
}

func TestNewSimulator_InitialRegisters_Gas(t *testing.T) {
	bank := NewRegisterBank(Gas)
	NewSimulator(bank, WithSeed(1))

	// 1234.56 m3 x100
	if got := bank.U32(RegConsumptionLo); got != 123456 {
		t.Errorf("Consumption: expected 123456, got %d", got)
	}
	// 1.2 m3/h x100
	if got := bank.Register(RegFlowRate); got != 120 {
		t.Errorf("Flow: expected 120, got %d", got)
	}
	// 15 C x10 + 400
	if got := bank.Register(RegTemperature); got != 550 {
		t.Errorf("Temperature: expected 550, got %d", got)
	}
	// 2 bar x100
	if got := bank.Register(RegPressure); got != 200 {
		t.Errorf("Pressure: expected 200, got %d", got)
	}
}

func TestSimulator_ConsumptionMonotonic(t *testing.T) {
	for _, mt := range []MeterType{Electric, Water, Gas} {
		t.Run(mt.String(), func(t *testing.T) {
			bank := NewRegisterBank(mt)
			sim := NewSimulator(bank, WithSeed(7), WithTickInterval(time.Minute))

			prev := bank.U32(RegConsumptionLo)
			for i := 0; i < 200; i++ {
				sim.Tick()
				got := bank.U32(RegConsumptionLo)
				if got < prev {
					t.Fatalf("Tick %d: consumption decreased from %d to %d", i, prev, got)
				}
				prev = got
			}
			if prev <= 123456 {
				t.Errorf("Consumption never advanced past baseline: %d", prev)
			}
		})
	}
}

func TestSimulator_WalkedValuesStayBounded(t *testing.T) {
	bank := NewRegisterBank(Electric)
	sim := NewSimulator(bank, WithSeed(42))

	for i := 0; i < 500; i++ {
		sim.Tick()

		rate := float64(bank.U32(RegRateLo)) / ScaleRate
		if rate < 1000 || rate > 10000 {
			t.Fatalf("Tick %d: power %f out of range", i, rate)
		}
		for _, addr := range []uint16{RegVoltageL1, RegVoltageL2, RegVoltageL3} {
			v := float64(bank.Register(addr)) / ScaleVoltage
			if v < 218.5 || v > 241.5 {
				t.Fatalf("Tick %d: voltage %f out of range", i, v)
			}
		}
		f := float64(bank.Register(RegFrequency)) / ScaleFrequency
		if f < 49.94 || f > 50.06 {
			t.Fatalf("Tick %d: frequency %f out of range", i, f)
		}
		pf := float64(bank.Register(RegPowerFactor)) / ScalePowerFactor
		if pf < 0.80 || pf > 1.00 {
			t.Fatalf("Tick %d: power factor %f out of range", i, pf)
		}
	}
}

func TestSimulator_AlarmFlagsConsistentWithRegisters(t *testing.T) {
	bank := NewRegisterBank(Water)
	sim := NewSimulator(bank, WithSeed(3))

	for i := 0; i < 500; i++ {
		sim.Tick()

		// One locked read of the values and flags the tick just published.
		regs, err := bank.ReadHoldingRegisters(1, RegFlowRate, 3)
		if err != nil {
			t.Fatalf("ReadHoldingRegisters failed: %v", err)
		}
		pressure := float64(regs[RegPressure-RegFlowRate]) / ScalePressure
		temp := (float64(regs[RegTemperature-RegFlowRate]) - TemperatureOffset) / ScaleTemperature

		// The flags are derived from the unrounded model values, so only
		// check them when the rounded register is clearly on one side.
		if pressure > 5.51 && !bank.DiscreteInput(DiscreteOverPressure) {
			t.Fatalf("Tick %d: pressure %f without over-pressure flag", i, pressure)
		}
		if pressure < 2.49 && !bank.DiscreteInput(DiscreteUnderPressure) {
			t.Fatalf("Tick %d: pressure %f without under-pressure flag", i, pressure)
		}
		if temp > 22.01 && !bank.DiscreteInput(DiscreteOverTemperature) {
			t.Fatalf("Tick %d: temperature %f without over-temperature flag", i, temp)
		}
	}
}

func TestSimulator_Reset(t *testing.T) {
	bank := NewRegisterBank(Electric)
	sim := NewSimulator(bank, WithSeed(9), WithTickInterval(time.Hour))

	for i := 0; i < 10; i++ {
		sim.Tick()
	}
	if bank.U32(RegConsumptionLo) <= 123456 {
		t.Fatal("Consumption should have advanced before reset")
	}

	if err := bank.WriteSingleCoil(1, CoilReset, true); err != nil {
		t.Fatalf("Reset coil write failed: %v", err)
	}

	if got := bank.U32(RegConsumptionLo); got != 123456 {
		t.Errorf("Consumption after reset: expected 123456, got %d", got)
	}
	for i := uint16(0); i < DiscreteInputCount; i++ {
		if bank.DiscreteInput(i) {
			t.Errorf("Discrete input %d still set after reset", i)
		}
	}
	if bank.Coil(CoilReset) {
		t.Error("Reset coil should not latch")
	}

	// The model keeps running after a reset.
	sim.Tick()
	if bank.U32(RegConsumptionLo) <= 123456 {
		t.Error("Consumption should advance again after reset")
	}
}

// A reset must clear alarms that are actually active, not just alarms that
// happen to be off. Walk the model until an alarm fires, reset, and verify
// the very next read sees every flag cleared and the values back at nominal.
func TestSimulator_ResetClearsActiveAlarms(t *testing.T) {
	for _, mt := range []MeterType{Electric, Water, Gas} {
		t.Run(mt.String(), func(t *testing.T) {
			bank := NewRegisterBank(mt)
			sim := NewSimulator(bank, WithSeed(1), WithTickInterval(time.Second))

			alarmActive := func() bool {
				for i := uint16(1); i < DiscreteInputCount; i++ {
					if bank.DiscreteInput(i) {
						return true
					}
				}
				return false
			}

			active := false
			for i := 0; i < 50000 && !active; i++ {
				sim.Tick()
				active = alarmActive()
			}
			if !active {
				t.Fatal("No alarm became active while ticking")
			}

			if err := bank.WriteSingleCoil(1, CoilReset, true); err != nil {
				t.Fatalf("Reset coil write failed: %v", err)
			}

			for i := uint16(0); i < DiscreteInputCount; i++ {
				if bank.DiscreteInput(i) {
					t.Errorf("Discrete input %d still set immediately after reset", i)
				}
			}

			// The published registers are back at their nominal operating
			// points, consistent with the cleared flags.
			if got := bank.U32(RegConsumptionLo); got != 123456 {
				t.Errorf("Consumption after reset: expected 123456, got %d", got)
			}
			switch mt {
			case Electric:
				for _, addr := range []uint16{RegVoltageL1, RegVoltageL2, RegVoltageL3} {
					if got := bank.Register(addr); got != 2300 {
						t.Errorf("Voltage at %d after reset: expected 2300, got %d", addr, got)
					}
				}
				if got := bank.Register(RegFrequency); got != 5000 {
					t.Errorf("Frequency after reset: expected 5000, got %d", got)
				}
				if got := bank.Register(RegPowerFactor); got != 950 {
					t.Errorf("Power factor after reset: expected 950, got %d", got)
				}
			case Water:
				if got := bank.Register(RegTemperature); got != 520 {
					t.Errorf("Temperature after reset: expected 520, got %d", got)
				}
				if got := bank.Register(RegPressure); got != 400 {
					t.Errorf("Pressure after reset: expected 400, got %d", got)
				}
			case Gas:
				if got := bank.Register(RegTemperature); got != 550 {
					t.Errorf("Temperature after reset: expected 550, got %d", got)
				}
				if got := bank.Register(RegPressure); got != 200 {
					t.Errorf("Pressure after reset: expected 200, got %d", got)
				}
			}
		})
	}
}

// Races a reader of the consumption register pair against the ticking engine.
// A torn read of the pair across a tick would show up as a jump near 65536 in
// the combined value; run with -race to also catch unsynchronized access.
func TestSimulator_ConsumptionPairNeverTorn(t *testing.T) {
	bank := NewRegisterBank(Electric)
	sim := NewSimulator(bank, WithSeed(5), WithTickInterval(time.Minute))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			sim.Tick()
		}
	}()

	prev := bank.U32(RegConsumptionLo)
	for {
		regs, err := bank.ReadHoldingRegisters(1, RegConsumptionLo, 2)
		if err != nil {
			t.Fatalf("ReadHoldingRegisters failed: %v", err)
		}
		got := U32FromWords(regs[0], regs[1])
		if got < prev {
			t.Fatalf("Consumption went backwards: %d -> %d", prev, got)
		}
		// Each tick adds at most 10 kW for one minute = x100 raw delta of 17.
		if got-prev > 2000*17 {
			t.Fatalf("Consumption jumped by %d, torn register pair", got-prev)
		}
		prev = got

		select {
		case <-done:
			return
		default:
		}
	}
}

func TestEncodeWord_Clamps(t *testing.T) {
	if got := encodeWord(-45, ScaleTemperature, TemperatureOffset); got != 0 {
		t.Errorf("Below-range value: expected 0, got %d", got)
	}
	if got := encodeWord(1e9, ScaleVoltage, 0); got != math.MaxUint16 {
		t.Errorf("Above-range value: expected %d, got %d", math.MaxUint16, got)
	}
	if got := encodeWord(-40, ScaleTemperature, TemperatureOffset); got != 0 {
		t.Errorf("-40C: expected 0, got %d", got)
	}
	if got := encodeWord(23.04, ScaleTemperature, TemperatureOffset); got != 630 {
		t.Errorf("23.04C: expected 630, got %d", got)
	}
}

func TestEncodeU32_Clamps(t *testing.T) {
	if got := encodeU32(-1, ScaleEnergy); got != 0 {
		t.Errorf("Negative value: expected 0, got %d", got)
	}
	if got := encodeU32(1e30, ScaleEnergy); got != math.MaxUint32 {
		t.Errorf("Huge value: expected %d, got %d", uint32(math.MaxUint32), got)
	}
	if got := encodeU32(1234.56, ScaleEnergy); got != 123456 {
		t.Errorf("1234.56: expected 123456, got %d", got)
	}
}

func TestSimulator_RunStopsOnCancel(t *testing.T) {
	bank := NewRegisterBank(Electric)
	sim := NewSimulator(bank, WithSeed(1), WithTickInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sim.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
