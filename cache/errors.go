package cache

import (
	"errors"
	"fmt"
)

// ErrCapacity matches any *CapacityError via errors.Is.
var ErrCapacity = errors.New("cache capacity exceeded")

// CapacityError reports a value that cannot fit in a bounded cache even
// when every other entry is evicted.
type CapacityError struct {
	Size   int64
	Budget int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("cache entry of %d bytes exceeds budget of %d bytes", e.Size, e.Budget)
}

// Is reports whether target is ErrCapacity.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}
