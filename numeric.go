package market

import "math/bits"

// mulDiv computes a*b/c with a 128-bit intermediate product and truncating
// division. It returns ErrArithmeticOverflow if c is zero or the quotient
// does not fit in 64 bits.
func mulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrArithmeticOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, ErrArithmeticOverflow
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

// mulDivRoundingUp is mulDiv with ceiling division. Used wherever rounding
// down would under-reserve funds.
func mulDivRoundingUp(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrArithmeticOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, ErrArithmeticOverflow
	}
	q, r := bits.Div64(hi, lo, c)
	if r > 0 {
		if q == ^uint64(0) {
			return 0, ErrArithmeticOverflow
		}
		q++
	}
	return q, nil
}

// addChecked returns a+b or ErrArithmeticOverflow on wraparound.
func addChecked(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// pow10 returns 10^n, or ErrArithmeticOverflow for n > 19.
func pow10(n uint32) (uint64, error) {
	if n > 19 {
		return 0, ErrArithmeticOverflow
	}
	out := uint64(1)
	for i := uint32(0); i < n; i++ {
		out *= 10
	}
	return out, nil
}
