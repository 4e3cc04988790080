package regvm

import "github.com/nullc-go/vm/internal/nerr"

// powInt and powLong implement rviPow/rviPowl (spec §9 open question): the
// original compiler does not document negative exponent or overflow
// behavior, so non-negative integer exponents are resolved by repeated
// multiplication and a negative exponent on an integer base fails with
// invalid_operand rather than silently truncating to zero.
func powInt(base, exp int32) (int32, error) {
	if exp < 0 {
		return 0, nerr.New(nerr.PhaseExecute, nerr.KindInvalidOperand).
			Detail("negative exponent %d on integer power", exp).Build()
	}
	var result int32 = 1
	for i := int32(0); i < exp; i++ {
		result *= base
	}
	return result, nil
}

func powLong(base, exp int64) (int64, error) {
	if exp < 0 {
		return 0, nerr.New(nerr.PhaseExecute, nerr.KindInvalidOperand).
			Detail("negative exponent %d on integer power", exp).Build()
	}
	var result int64 = 1
	for i := int64(0); i < exp; i++ {
		result *= base
	}
	return result, nil
}
