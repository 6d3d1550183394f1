package domain

import "errors"

// FetchFault is why a peer refused a segment request.
type FetchFault string

const (
	FaultChoked             FetchFault = "choked"
	FaultPackageNotFound    FetchFault = "package_not_found"
	FaultNoMatchingSegments FetchFault = "no_matching_segments"
)

var (
	ErrChoked             = &FetchError{Fault: FaultChoked}
	ErrPackageNotFound    = &FetchError{Fault: FaultPackageNotFound}
	ErrNoMatchingSegments = &FetchError{Fault: FaultNoMatchingSegments}
)

// FetchError carries a FetchFault through error returns.
type FetchError struct {
	Fault FetchFault
}

func (e *FetchError) Error() string { return "segment fetch refused: " + string(e.Fault) }

// Is matches any FetchError with the same fault.
func (e *FetchError) Is(target error) bool {
	t, ok := target.(*FetchError)
	return ok && t.Fault == e.Fault
}

// FaultOf extracts the fault from err, or "" when err is not a fetch refusal.
func FaultOf(err error) FetchFault {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Fault
	}
	return ""
}

// ParseFetchFault maps a wire value back to its error.
func ParseFetchFault(s string) (*FetchError, bool) {
	switch FetchFault(s) {
	case FaultChoked:
		return ErrChoked, true
	case FaultPackageNotFound:
		return ErrPackageNotFound, true
	case FaultNoMatchingSegments:
		return ErrNoMatchingSegments, true
	}
	return nil, false
}
