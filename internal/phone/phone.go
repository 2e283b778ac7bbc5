// Package phone normalizes raw spreadsheet phone text into the bare-digit
// E.164 form ("62812...", no leading plus) used for addressing.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalid = errors.New("invalid phone number")

// Normalizer parses raw phone text against a default region for numbers
// written in national form ("0812..." and the like).
type Normalizer struct {
	region string
}

// New returns a Normalizer for the given ISO 3166-1 alpha-2 region.
// An empty region defaults to "ID".
func New(region string) *Normalizer {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = "ID"
	}
	return &Normalizer{region: region}
}

func (n *Normalizer) Region() string { return n.region }

// Normalize returns the E.164 digits for raw, without the leading plus.
// Numbers carrying their own country code ("+62...", "62...") keep it;
// national-form numbers are resolved against the default region.
func (n *Normalizer) Normalize(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}

	num, err := phonenumbers.Parse(cleaned, n.region)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalid, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
}
