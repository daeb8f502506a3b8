package n2k

import "math"

// UnitPreferences selects the target unit for each PhysicalQuantity a caller
// wants converted away from its canonical SI/catalog unit. A zero value for a
// quantity leaves fields of that quantity unconverted.
type UnitPreferences struct {
	Temperature string // "C" or "F"; canonical unit is Kelvin
	Pressure    string // "Bar" or "PSI"; canonical unit is Pascal
	Angle       string // "deg"; canonical unit is radian
	Speed       string // "kn"; canonical unit is m/s
}

// Apply converts f's Value/Unit in place according to prefs, when f's
// PhysicalQuantity and current Value type match a known conversion
// caller prefers. Fields with no matching preference, or whose
// RawValue isn't numeric, are returned unchanged.
//
// Applying the same preference twice is a no-op: each case checks whether
// f.Unit already equals its target unit and returns unchanged if so,
// instead of converting an already-converted value a second time.
func (p UnitPreferences) Apply(f Field) Field {
	v, ok := f.Value.(float64)
	if !ok {
		return f
	}

	switch f.PhysicalQuantity {
	case PhysicalQuantityTemperature:
		switch p.Temperature {
		case "C":
			if f.Unit == "C" {
				return f
			}
			f.Value = kelvinToCelsius(v)
			f.Unit = "C"
		case "F":
			if f.Unit == "F" {
				return f
			}
			f.Value = kelvinToFahrenheit(v)
			f.Unit = "F"
		}
	case PhysicalQuantityPressure:
		switch p.Pressure {
		case "Bar":
			if f.Unit == "Bar" {
				return f
			}
			f.Value = pascalToBar(v)
			f.Unit = "Bar"
		case "PSI":
			if f.Unit == "PSI" {
				return f
			}
			f.Value = pascalToPSI(v)
			f.Unit = "PSI"
		}
	case PhysicalQuantityAngle:
		if p.Angle == "deg" {
			if f.Unit == "deg" {
				return f
			}
			f.Value = radiansToDegrees(v)
			f.Unit = "deg"
		}
	case PhysicalQuantitySpeed:
		if p.Speed == "kn" {
			if f.Unit == "kn" {
				return f
			}
			f.Value = mpsToKnots(v)
			f.Unit = "kn"
		}
	}
	return f
}

// ApplyAll runs Apply over every field of fields, returning a new slice; the
// input is left untouched.
func (p UnitPreferences) ApplyAll(fields FieldValues) FieldValues {
	out := make(FieldValues, len(fields))
	for i, f := range fields {
		out[i] = p.Apply(f)
	}
	return out
}

func kelvinToFahrenheit(kelvin float64) float64 {
	return math.Round((kelvin-273.15)*(9.0/5.0) + 32)
}

func kelvinToCelsius(kelvin float64) float64 {
	return math.Round((kelvin-273.15)*100) / 100
}

func pascalToBar(pascal float64) float64 {
	return pascal / 100000
}

func pascalToPSI(pascal float64) float64 {
	return pascal / 6894.76
}

func mpsToKnots(mps float64) float64 {
	return math.Round(mps*(3600.0/1852.0)*10) / 10
}

func radiansToDegrees(radians float64) float64 {
	return math.Round(radians * 180 / math.Pi)
}
