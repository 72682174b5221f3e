package model

import (
	"fmt"
	"strings"
)

// ValidatePartitionID checks a partition token read from system.parts before it is
// interpolated into ATTACH/DROP PARTITION. Partition expressions cannot be bound as
// parameters, so anything outside plain literals and tuples is refused.
func ValidatePartitionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPartition)
	}

	for _, forbidden := range []string{"--", "/*", "*/"} {
		if strings.Contains(id, forbidden) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidPartition, id, forbidden)
		}
	}

	quotes := 0
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("_-.:,() ", r):
		case r == '\'':
			quotes++
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidPartition, id, r)
		}
	}
	if quotes%2 != 0 {
		return fmt.Errorf("%w: %q has unbalanced quotes", ErrInvalidPartition, id)
	}

	return nil
}
