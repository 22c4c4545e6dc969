package telephony

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizeE164 parses a user-entered phone number and formats it as E.164.
// Numbers without a leading + are interpreted in defaultRegion (ISO-3166 alpha-2, e.g. "US").
func NormalizeE164(raw, defaultRegion string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidDestination)
	}
	if strings.HasPrefix(s, "00") {
		s = "+" + strings.TrimPrefix(s, "00")
	}
	region := strings.ToUpper(strings.TrimSpace(defaultRegion))
	if region == "" {
		region = "US"
	}

	num, err := phonenumbers.Parse(s, region)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDestination, raw, err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%w: %q is not a dialable number", ErrInvalidDestination, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
