package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidSchedule = errors.New("invalid schedule request")
	ErrInvalidSummary  = errors.New("invalid summary update")
)

// VersionConflict is returned by optimistic-concurrency writes whose expected
// version no longer matches the stored one.
type VersionConflict struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("%s %s: version conflict (expected %d, stored %d)", e.Entity, e.ID, e.Expected, e.Actual)
}

// IsVersionConflict reports whether err wraps a *VersionConflict.
func IsVersionConflict(err error) bool {
	var vc *VersionConflict
	return errors.As(err, &vc)
}
