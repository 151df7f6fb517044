package placement

// ObjectCount returns the number of physical store objects touched by the
// byte range [0, size) under the given layout.
//
// A stripe period is StripeCount*ObjectSize bytes. Within the trailing
// partial period, objects past the tail of the first stripe row are never
// written, so they are excluded from the count.
func ObjectCount(l Layout, size uint64) uint64 {
	if size == 0 {
		return 0
	}

	period := uint64(l.StripeCount) * uint64(l.ObjectSize)
	periods := (size + period - 1) / period
	tail := size % period

	var untouched uint64
	row := uint64(l.StripeCount) * uint64(l.StripeUnit)
	if tail > 0 && tail < row {
		touched := (tail + uint64(l.StripeUnit) - 1) / uint64(l.StripeUnit)
		untouched = uint64(l.StripeCount) - touched
	}

	return periods*uint64(l.StripeCount) - untouched
}
