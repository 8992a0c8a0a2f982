package points

import (
	"fmt"
	"math"
)

// storageUnitsPerPoint fixes the precision of the display unit: the ledger
// stores tenths of a point so that catalog values with one decimal digit
// survive a round-trip without drift.
const storageUnitsPerPoint = 10

const conversionTolerance = 1e-6

// ToStorage converts a display-unit point value into storage units.
// Values with more than one decimal digit are rejected rather than rounded.
func ToStorage(display float64) (Amount, error) {
	if display < 0 || math.IsNaN(display) || math.IsInf(display, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDisplayValue, display)
	}
	scaled := display * storageUnitsPerPoint
	rounded := math.Round(scaled)
	if math.Abs(scaled-rounded) > conversionTolerance {
		return 0, fmt.Errorf("%w: %v exceeds supported precision", ErrInvalidDisplayValue, display)
	}
	return Amount(int64(rounded)), nil
}

// ToDisplay converts a storage-unit amount into the display unit.
func ToDisplay(storage Amount) float64 {
	return float64(storage) / storageUnitsPerPoint
}
