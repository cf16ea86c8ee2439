package codec

import "math"

// round rounds v to the given number of decimal places, half away from zero.
func round(v float64, places int) float64 {
	pow := math.Pow10(places)
	return math.Round(v*pow) / pow
}
