// Package validate checks identifiers and free text at the ledger boundary.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrEmpty             = errors.New("value is empty")
	ErrStringTooShort    = errors.New("value is too short")
	ErrStringTooLong     = errors.New("value is too long")
	ErrInvalidCharacters = errors.New("value contains invalid characters")
)

const (
	MaxIdentifierLength = 128
	MaxLotNumberLength  = 64
	MaxLocationLength   = 256
)

// Rule describes an acceptable string. Lengths count runes; zero means unbounded.
type Rule struct {
	Min, Max      int
	Pattern       *regexp.Regexp
	Optional      bool
	Trim          bool
	RejectControl bool
}

// Check returns s, trimmed when r.Trim is set, or the first rule it breaks.
func (r Rule) Check(s string) (string, error) {
	if r.Trim {
		s = strings.TrimSpace(s)
	}
	if s == "" {
		if r.Optional {
			return "", nil
		}
		return "", ErrEmpty
	}

	n := utf8.RuneCountInString(s)
	switch {
	case r.Min > 0 && n < r.Min:
		return "", fmt.Errorf("%w: %d < %d characters", ErrStringTooShort, n, r.Min)
	case r.Max > 0 && n > r.Max:
		return "", fmt.Errorf("%w: %d > %d characters", ErrStringTooLong, n, r.Max)
	case r.Pattern != nil && !r.Pattern.MatchString(s):
		return "", fmt.Errorf("%w: want %s", ErrInvalidCharacters, r.Pattern)
	}
	if r.RejectControl {
		if i := strings.IndexFunc(s, unicode.IsControl); i >= 0 {
			c, _ := utf8.DecodeRuneInString(s[i:])
			return "", fmt.Errorf("%w: control character %U", ErrInvalidCharacters, c)
		}
	}
	return s, nil
}

var (
	identifierRule = Rule{Max: MaxIdentifierLength, Pattern: regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)}
	lotRule        = Rule{Max: MaxLotNumberLength, Pattern: regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9/._\-]*$`)}
	locationRule   = Rule{Max: MaxLocationLength, Optional: true, Trim: true, RejectControl: true}
)

// UnitID accepts 1-128 characters: an alphanumeric first character, then
// letters, digits and ". _ : -".
func UnitID(id string) error {
	_, err := identifierRule.Check(id)
	return err
}

// PrincipalID follows the UnitID rules.
func PrincipalID(id string) error {
	_, err := identifierRule.Check(id)
	return err
}

// LotNumber accepts 1-64 characters: an alphanumeric first character, then
// letters, digits and "/ . _ -".
func LotNumber(lot string) error {
	_, err := lotRule.Check(lot)
	return err
}

// Location accepts empty or up to 256 printable characters after trimming.
func Location(loc string) (string, error) {
	return locationRule.Check(loc)
}
