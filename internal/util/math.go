package util

// Percentage returns part as a percentage of whole, rounded to one decimal.
// A whole of zero or less yields 0.
func Percentage(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	p := float64(part) * 100 / float64(whole)
	return float64(int(p*10+0.5)) / 10
}
