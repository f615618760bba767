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
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// MeterType identifies the kind of utility meter being simulated. It selects
// which semantic fields occupy the type-specific holding-register window.
type MeterType uint16

const (
	Electric MeterType = iota
	Water
	Gas
)

// ParseMeterType parses a meter type name (electric, water, gas).
func ParseMeterType(s string) (MeterType, error) {
	switch strings.ToLower(s) {
	case "electric":
		return Electric, nil
	case "water":
		return Water, nil
	case "gas":
		return Gas, nil
	default:
		return Electric, fmt.Errorf("metersim: unknown meter type %q", s)
	}
}

// String returns the meter type name.
func (t MeterType) String() string {
	switch t {
	case Electric:
		return "electric"
	case Water:
		return "water"
	case Gas:
		return "gas"
	default:
		return "unknown"
	}
}

// baselineConsumption is the cumulative counter value at startup and after a
// reset, in kWh (electric) or m3 (water/gas).
const baselineConsumption = 1234.56

// walkRange bounds a random-walked quantity: on each tick the value moves by
// uniform(-step, step) and is clamped to [min, max].
type walkRange struct {
	min, max, step float64
	nominal        float64
}

// meterProfile is the operating envelope of one meter type, resolved once at
// simulator construction so the tick path carries no per-type configuration
// lookups.
type meterProfile struct {
	rate walkRange // instantaneous power (W) or flow (m3/h)

	// Electric only.
	voltage     walkRange
	frequency   walkRange
	powerFactor walkRange

	// Water/gas only.
	temperature walkRange
	pressure    walkRange

	// Alarm thresholds.
	overVoltage     float64
	underVoltage    float64
	freqDelta       float64
	overPressure    float64
	underPressure   float64
	overTemperature float64
}

func profileFor(t MeterType) meterProfile {
	switch t {
	case Water:
		return meterProfile{
			rate:            walkRange{min: 0.5, max: 10, step: 0.3, nominal: 2.5},
			temperature:     walkRange{min: 5, max: 25, step: 0.4, nominal: 12},
			pressure:        walkRange{min: 2, max: 6, step: 0.1, nominal: 4},
			overPressure:    5.5,
			underPressure:   2.5,
			overTemperature: 22,
		}
	case Gas:
		return meterProfile{
			rate:            walkRange{min: 0.1, max: 5, step: 0.2, nominal: 1.2},
			temperature:     walkRange{min: -5, max: 30, step: 0.5, nominal: 15},
			pressure:        walkRange{min: 1.5, max: 3, step: 0.05, nominal: 2},
			overPressure:    2.8,
			underPressure:   1.7,
			overTemperature: 27,
		}
	default: // Electric
		return meterProfile{
			rate:         walkRange{min: 1000, max: 10000, step: 250, nominal: 5000},
			voltage:      walkRange{min: 218.5, max: 241.5, step: 1.5, nominal: 230},
			frequency:    walkRange{min: 49.95, max: 50.05, step: 0.02, nominal: 50},
			powerFactor:  walkRange{min: 0.80, max: 1.00, step: 0.01, nominal: 0.95},
			overVoltage:  240,
			underVoltage: 221,
			freqDelta:    0.045,
		}
	}
}

// Simulator is the meter simulation engine. Once per tick it advances the
// physical model and publishes all derived register values into the bank in
// one critical section.
//
// The floating-point model state is mutated only inside bank update and reset
// closures, so the bank mutex is the single lock guarding the whole system.
type Simulator struct {
	bank     *RegisterBank
	typ      MeterType
	profile  meterProfile
	interval time.Duration
	rng      *rand.Rand
	logger   *slog.Logger

	// Physical model, guarded by the bank mutex.
	cumulative  float64    // kWh or m3
	rate        float64    // W or m3/h
	voltage     [3]float64 // V per phase
	current     [3]float64 // A per phase
	frequency   float64    // Hz
	powerFactor float64
	temperature float64 // degC
	pressure    float64 // bar
}

// NewSimulator creates a simulation engine bound to the given bank, seeds the
// model to its baseline, registers the reset hook, and publishes the initial
// register values.
func NewSimulator(bank *RegisterBank, opts ...SimOption) *Simulator {
	options := defaultSimOptions()
	for _, opt := range opts {
		opt(options)
	}

	p := profileFor(bank.MeterType())
	s := &Simulator{
		bank:     bank,
		typ:      bank.MeterType(),
		profile:  p,
		interval: options.interval,
		rng:      rand.New(rand.NewPCG(options.seed, options.seed^0x9e3779b97f4a7c15)),
		logger:   options.logger,

		cumulative:  baselineConsumption,
		rate:        p.rate.nominal,
		voltage:     [3]float64{p.voltage.nominal, p.voltage.nominal, p.voltage.nominal},
		frequency:   p.frequency.nominal,
		powerFactor: p.powerFactor.nominal,
		temperature: p.temperature.nominal,
		pressure:    p.pressure.nominal,
	}
	if s.typ == Electric {
		s.deriveCurrents()
	}

	bank.OnReset(s.reset)
	bank.update(func(b *RegisterBank) {
		s.publish(b)
	})
	return s
}

// Interval returns the configured tick period.
func (s *Simulator) Interval() time.Duration {
	return s.interval
}

// Run drives the simulation on its fixed tick period until ctx is canceled.
// The engine has no other terminal condition.
func (s *Simulator) Run(ctx context.Context) {
	s.logger.Info("simulation started",
		slog.String("meter_type", s.typ.String()),
		slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulation stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick performs one simulation step: it advances the physical model by one
// tick interval and publishes every derived register value while holding
// exclusive access to the bank. Exported so tests can force ticks.
func (s *Simulator) Tick() {
	s.bank.update(func(b *RegisterBank) {
		s.step()
		s.publish(b)
	})
}

// step advances the physical model by one interval. Must run inside a bank
// update closure.
func (s *Simulator) step() {
	hours := s.interval.Hours()
	s.rate = s.walk(s.rate, s.profile.rate)

	switch s.typ {
	case Electric:
		// W over hours to kWh.
		s.cumulative += s.rate * hours / 1000

		for i := range s.voltage {
			s.voltage[i] = s.walk(s.voltage[i], s.profile.voltage)
		}
		s.frequency = s.walk(s.frequency, s.profile.frequency)
		s.powerFactor = s.walk(s.powerFactor, s.profile.powerFactor)
		s.deriveCurrents()
	default:
		// m3/h over hours to m3.
		s.cumulative += s.rate * hours

		s.temperature = s.walk(s.temperature, s.profile.temperature)
		s.pressure = s.walk(s.pressure, s.profile.pressure)
	}
}

// deriveCurrents computes per-phase current from the present power, voltage,
// and power factor, assuming a balanced three-phase load.
func (s *Simulator) deriveCurrents() {
	for i := range s.current {
		s.current[i] = s.rate / (3 * s.voltage[i] * s.powerFactor)
	}
}

// walk moves v by a bounded uniform step.
func (s *Simulator) walk(v float64, r walkRange) float64 {
	return clampFloat(v+(s.rng.Float64()*2-1)*r.step, r.min, r.max)
}

// publish encodes the model into the bank and recomputes alarm flags from the
// same values. Must run inside a bank update or reset closure.
func (s *Simulator) publish(b *RegisterBank) {
	b.setU32Locked(RegConsumptionLo, encodeU32(s.cumulative, ScaleEnergy))
	b.setU32Locked(RegRateLo, encodeU32(s.rate, ScaleRate))

	switch s.typ {
	case Electric:
		b.setRegisterLocked(RegVoltageL1, encodeWord(s.voltage[0], ScaleVoltage, 0))
		b.setRegisterLocked(RegVoltageL2, encodeWord(s.voltage[1], ScaleVoltage, 0))
		b.setRegisterLocked(RegVoltageL3, encodeWord(s.voltage[2], ScaleVoltage, 0))
		b.setRegisterLocked(RegCurrentL1, encodeWord(s.current[0], ScaleCurrent, 0))
		b.setRegisterLocked(RegCurrentL2, encodeWord(s.current[1], ScaleCurrent, 0))
		b.setRegisterLocked(RegCurrentL3, encodeWord(s.current[2], ScaleCurrent, 0))
		b.setRegisterLocked(RegFrequency, encodeWord(s.frequency, ScaleFrequency, 0))
		b.setRegisterLocked(RegPowerFactor, encodeWord(s.powerFactor, ScalePowerFactor, 0))

		over, under := false, false
		for _, v := range s.voltage {
			over = over || v > s.profile.overVoltage
			under = under || v < s.profile.underVoltage
		}
		b.setDiscreteLocked(DiscreteOutage, false)
		b.setDiscreteLocked(DiscreteOverVoltage, over)
		b.setDiscreteLocked(DiscreteUnderVoltage, under)
		b.setDiscreteLocked(DiscreteFreqFault,
			math.Abs(s.frequency-s.profile.frequency.nominal) > s.profile.freqDelta)
	default:
		b.setRegisterLocked(RegFlowRate, encodeWord(s.rate, ScaleFlow, 0))
		b.setRegisterLocked(RegTemperature, encodeWord(s.temperature, ScaleTemperature, TemperatureOffset))
		b.setRegisterLocked(RegPressure, encodeWord(s.pressure, ScalePressure, 0))

		b.setDiscreteLocked(DiscreteOutage, false)
		b.setDiscreteLocked(DiscreteOverPressure, s.pressure > s.profile.overPressure)
		b.setDiscreteLocked(DiscreteUnderPressure, s.pressure < s.profile.underPressure)
		b.setDiscreteLocked(DiscreteOverTemperature, s.temperature > s.profile.overTemperature)
	}

	if b.coils[CoilOnline] {
		b.setRegisterLocked(RegOnlineStatus, 1)
	} else {
		b.setRegisterLocked(RegOnlineStatus, 0)
	}
	b.setRegisterLocked(RegMeterType, uint16(s.typ))
}

// reset is the bank's reset hook: cumulative counters return to the fixed
// baseline, the walked values return to their nominal operating points, and
// alarm discrete inputs clear. The model must go back to nominal here, not
// just the flags: publish rederives the flags from the model, so a value left
// beyond its threshold would re-assert its alarm in the same critical
// section. Runs with the bank write lock held, before the triggering coil
// write is acknowledged.
func (s *Simulator) reset(b *RegisterBank) {
	s.logger.Info("meter reset", slog.String("meter_type", s.typ.String()))

	s.cumulative = baselineConsumption
	s.rate = s.profile.rate.nominal

	switch s.typ {
	case Electric:
		for i := range s.voltage {
			s.voltage[i] = s.profile.voltage.nominal
		}
		s.frequency = s.profile.frequency.nominal
		s.powerFactor = s.profile.powerFactor.nominal
		s.deriveCurrents()
	default:
		s.temperature = s.profile.temperature.nominal
		s.pressure = s.profile.pressure.nominal
	}

	for i := range b.discrete {
		b.setDiscreteLocked(i, false)
	}
	s.publish(b)
}

// encodeWord scales a physical value to a 16-bit word, clamping to the
// representable range instead of overflowing.
func encodeWord(v, scale, offset float64) uint16 {
	raw := math.Round(v*scale) + offset
	if raw < 0 {
		return 0
	}
	if raw > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(raw)
}

// encodeU32 scales a physical value to a 32-bit word pair value, clamping to
// the representable range instead of overflowing.
func encodeU32(v, scale float64) uint32 {
	raw := math.Round(v * scale)
	if raw < 0 {
		return 0
	}
	if raw > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(raw)
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
