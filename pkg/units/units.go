// Package units provides typed physical quantities for the cardio model.
// Values are stored in CGS: centimeters, dynes, centimeters per second and
// grams per cubic centimeter. Quantities of different dimensions are distinct
// types, and parsing a string carrying a unit of another dimension fails.
package units

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	// ErrUnitMismatch is returned when a value carries a unit of the wrong dimension.
	ErrUnitMismatch = errors.New("unit mismatch")

	// ErrUnknownUnit is returned for unit symbols that are not recognised at all.
	ErrUnknownUnit = errors.New("unknown unit")
)

// Length in centimeters
type Length float64

// Force in dynes
type Force float64

// Velocity in centimeters per second
type Velocity float64

// Density in grams per cubic centimeter
type Density float64

// Dimension names a physical dimension.
type Dimension string

const (
	DimLength   Dimension = "length"
	DimForce    Dimension = "force"
	DimVelocity Dimension = "velocity"
	DimDensity  Dimension = "density"
)

// GelDensity is the default density of the substrate gel.
const GelDensity Density = 1.08

type unitDef struct {
	dim   Dimension
	scale float64 // multiplier to CGS
}

var unitTable = map[string]unitDef{
	"cm": {DimLength, 1},
	"mm": {DimLength, 0.1},
	"um": {DimLength, 1e-4},
	"µm": {DimLength, 1e-4},
	"m":  {DimLength, 100},

	"dyn": {DimForce, 1},
	"N":   {DimForce, 1e5},
	"uN":  {DimForce, 0.1},
	"µN":  {DimForce, 0.1},
	"nN":  {DimForce, 1e-4},

	"cm/s": {DimVelocity, 1},
	"mm/s": {DimVelocity, 0.1},
	"um/s": {DimVelocity, 1e-4},
	"µm/s": {DimVelocity, 1e-4},
	"m/s":  {DimVelocity, 100},

	"g/cm3":  {DimDensity, 1},
	"g/cm^3": {DimDensity, 1},
	"g/ml":   {DimDensity, 1},
	"kg/m3":  {DimDensity, 1e-3},
	"kg/m^3": {DimDensity, 1e-3},
}

// Micrometers builds a Length from a value in micrometers.
func Micrometers(v float64) Length { return Length(v * 1e-4) }

// Centimeters builds a Length from a value in centimeters.
func Centimeters(v float64) Length { return Length(v) }

// Micrometers reports the length in micrometers.
func (l Length) Micrometers() float64 { return float64(l) * 1e4 }

// Newtons reports the force in newtons.
func (f Force) Newtons() float64 { return float64(f) * 1e-5 }

// Micronewtons reports the force in micronewtons.
func (f Force) Micronewtons() float64 { return float64(f) * 10 }

// ShearModulus returns G = rho * Cs^2 in dyn/cm^2.
func ShearModulus(rho Density, cs Velocity) float64 {
	return float64(rho) * float64(cs) * float64(cs)
}

func (l Length) String() string   { return strconv.FormatFloat(float64(l), 'g', -1, 64) + " cm" }
func (f Force) String() string    { return strconv.FormatFloat(float64(f), 'g', -1, 64) + " dyn" }
func (v Velocity) String() string { return strconv.FormatFloat(float64(v), 'g', -1, 64) + " cm/s" }
func (d Density) String() string  { return strconv.FormatFloat(float64(d), 'g', -1, 64) + " g/cm3" }

// parse splits "12.5 um" or "12.5um" into a CGS value, checking the dimension.
func parse(s string, want Dimension) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty %s value", want)
	}

	split := strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || r == 'µ'
	})
	// Exponent markers belong to the number ("1e-4 cm").
	for split > 0 && (s[split] == 'e' || s[split] == 'E') && split+1 < len(s) &&
		(s[split+1] == '-' || s[split+1] == '+' || unicode.IsDigit(rune(s[split+1]))) {
		next := strings.IndexFunc(s[split+1:], func(r rune) bool {
			return unicode.IsLetter(r) || r == 'µ'
		})
		if next < 0 {
			split = -1
			break
		}
		split += 1 + next
	}
	if split < 0 {
		return 0, fmt.Errorf("%q has no unit, expected a %s", s, want)
	}

	num := strings.TrimSpace(s[:split])
	sym := strings.TrimSpace(s[split:])
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", want, num, err)
	}

	def, ok := unitTable[sym]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, sym)
	}
	if def.dim != want {
		return 0, fmt.Errorf("%w: %q is a %s, expected a %s", ErrUnitMismatch, sym, def.dim, want)
	}
	return v * def.scale, nil
}

// ParseLength parses a length such as "100 um" or "0.01cm".
func ParseLength(s string) (Length, error) {
	v, err := parse(s, DimLength)
	return Length(v), err
}

// ParseForce parses a force such as "3 uN" or "12 dyn".
func ParseForce(s string) (Force, error) {
	v, err := parse(s, DimForce)
	return Force(v), err
}

// ParseVelocity parses a velocity such as "2.5 cm/s".
func ParseVelocity(s string) (Velocity, error) {
	v, err := parse(s, DimVelocity)
	return Velocity(v), err
}

// ParseDensity parses a density such as "1.08 g/cm3".
func ParseDensity(s string) (Density, error) {
	v, err := parse(s, DimDensity)
	return Density(v), err
}
