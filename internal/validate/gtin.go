package validate

import (
	"errors"
	"fmt"
)

// GTIN validation errors.
var (
	ErrGTINLength     = errors.New("GTIN must have 8, 12, 13 or 14 digits")
	ErrGTINDigits     = errors.New("GTIN must contain only digits")
	ErrGTINCheckDigit = errors.New("GTIN check digit is invalid")
)

// GTIN validates a GS1 trade item number (GTIN-8, GTIN-12, GTIN-13 or
// GTIN-14) including its mod-10 check digit.
func GTIN(code string) error {
	switch len(code) {
	case 8, 12, 13, 14:
	default:
		return fmt.Errorf("%w: got %d", ErrGTINLength, len(code))
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return ErrGTINDigits
		}
	}
	if want := GTINCheckDigit(code[:len(code)-1]); code[len(code)-1] != want {
		return fmt.Errorf("%w: got %c, want %c", ErrGTINCheckDigit, code[len(code)-1], want)
	}
	return nil
}

// GTINCheckDigit computes the GS1 check digit for the given digits (without
// check digit). Weights alternate 3 and 1 starting from the rightmost digit.
func GTINCheckDigit(body string) byte {
	sum := 0
	weight := 3
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}
	return byte('0' + (10-sum%10)%10)
}

// SSCC validation errors.
var (
	ErrSSCCLength     = errors.New("SSCC must have 18 digits")
	ErrSSCCCheckDigit = errors.New("SSCC check digit is invalid")
)

// SSCC validates a GS1 serial shipping container code. It shares the GTIN
// check digit algorithm.
func SSCC(code string) error {
	if len(code) != 18 {
		return fmt.Errorf("%w: got %d", ErrSSCCLength, len(code))
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return ErrGTINDigits
		}
	}
	if want := GTINCheckDigit(code[:17]); code[17] != want {
		return fmt.Errorf("%w: got %c, want %c", ErrSSCCCheckDigit, code[17], want)
	}
	return nil
}
