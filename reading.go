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

import "fmt"

// Reading is a decoded view of the meter register map in physical units.
// Fields outside the configured meter type's layout are zero.
type Reading struct {
	MeterType MeterType
	Online    bool

	Consumption float64 // kWh or m3
	Rate        float64 // W or m3/h

	// Electric.
	VoltageL1   float64
	VoltageL2   float64
	VoltageL3   float64
	CurrentL1   float64
	CurrentL2   float64
	CurrentL3   float64
	Frequency   float64
	PowerFactor float64

	// Water/gas.
	FlowRate    float64
	Temperature float64
	Pressure    float64
}

// DecodeReading converts a register snapshot starting at address 0 back to
// physical values, applying the inverse of the documented scale factors. The
// snapshot must cover the status registers.
func DecodeReading(mt MeterType, regs []uint16) (Reading, error) {
	if len(regs) <= RegMeterType {
		return Reading{}, fmt.Errorf("%w: need %d registers, got %d",
			ErrInvalidQuantity, RegMeterType+1, len(regs))
	}

	r := Reading{
		MeterType:   mt,
		Online:      regs[RegOnlineStatus] != 0,
		Consumption: float64(U32FromWords(regs[RegConsumptionLo], regs[RegConsumptionHi])) / ScaleEnergy,
		Rate:        float64(U32FromWords(regs[RegRateLo], regs[RegRateHi])) / ScaleRate,
	}

	switch mt {
	case Electric:
		r.VoltageL1 = float64(regs[RegVoltageL1]) / ScaleVoltage
		r.VoltageL2 = float64(regs[RegVoltageL2]) / ScaleVoltage
		r.VoltageL3 = float64(regs[RegVoltageL3]) / ScaleVoltage
		r.CurrentL1 = float64(regs[RegCurrentL1]) / ScaleCurrent
		r.CurrentL2 = float64(regs[RegCurrentL2]) / ScaleCurrent
		r.CurrentL3 = float64(regs[RegCurrentL3]) / ScaleCurrent
		r.Frequency = float64(regs[RegFrequency]) / ScaleFrequency
		r.PowerFactor = float64(regs[RegPowerFactor]) / ScalePowerFactor
	default:
		r.FlowRate = float64(regs[RegFlowRate]) / ScaleFlow
		r.Temperature = (float64(regs[RegTemperature]) - TemperatureOffset) / ScaleTemperature
		r.Pressure = float64(regs[RegPressure]) / ScalePressure
	}

	return r, nil
}

// String renders the reading for console output.
func (r Reading) String() string {
	switch r.MeterType {
	case Electric:
		return fmt.Sprintf(
			"electric online=%v consumption=%.2fkWh power=%.1fW voltage=%.1f/%.1f/%.1fV current=%.2f/%.2f/%.2fA freq=%.2fHz pf=%.3f",
			r.Online, r.Consumption, r.Rate,
			r.VoltageL1, r.VoltageL2, r.VoltageL3,
			r.CurrentL1, r.CurrentL2, r.CurrentL3,
			r.Frequency, r.PowerFactor)
	default:
		return fmt.Sprintf(
			"%s online=%v consumption=%.2fm3 flow=%.2fm3/h temp=%.1fC pressure=%.2fbar",
			r.MeterType, r.Online, r.Consumption, r.FlowRate, r.Temperature, r.Pressure)
	}
}
