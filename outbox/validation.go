package outbox

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MinConsumerNameLength  = 3
	MaxConsumerNameLength  = 100
	DefaultFetchLimit      = 10
	MaxFetchLimit          = 1000
	DefaultMaxPayloadBytes = 1 << 20
)

// ValidateConsumerName enforces the 3..100 character rule.
func ValidateConsumerName(name string) error {
	if strings.TrimSpace(name) == "" {
		return newValidationError("consumerName", "is required")
	}

	length := utf8.RuneCountInString(name)
	if length < MinConsumerNameLength || length > MaxConsumerNameLength {
		return newValidationError("consumerName",
			fmt.Sprintf("length must be between %d and %d characters", MinConsumerNameLength, MaxConsumerNameLength))
	}

	return nil
}

// NormalizeFetchLimit maps non-positive limits to DefaultFetchLimit and rejects
// limits above MaxFetchLimit.
func NormalizeFetchLimit(limit int) (int, error) {
	if limit <= 0 {
		return DefaultFetchLimit, nil
	}

	if limit > MaxFetchLimit {
		return 0, newValidationError("limit", fmt.Sprintf("must be between 1 and %d", MaxFetchLimit))
	}

	return limit, nil
}

func validateMessageID(field string, id int64) error {
	if id < 0 {
		return newValidationError(field, "must not be negative")
	}

	return nil
}
