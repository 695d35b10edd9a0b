package geo

// FailureKind distinguishes geolocation failure classes. The caller decides
// retry vs. hard stop per kind, so they are never merged.
type FailureKind string

const (
	PermissionDenied    FailureKind = "permission_denied"
	PositionUnavailable FailureKind = "position_unavailable"
	Timeout             FailureKind = "timeout"
)

// LocationError is a typed geolocation failure
type LocationError struct {
	Kind    FailureKind
	Message string
}

func (e *LocationError) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

// NewLocationError creates a typed geolocation failure
func NewLocationError(kind FailureKind, message string) *LocationError {
	return &LocationError{Kind: kind, Message: message}
}
