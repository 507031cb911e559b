package domain

// VendorKind identifies which downstream vendor a job is routed to
type VendorKind string

const (
	VendorSync  VendorKind = "sync"
	VendorAsync VendorKind = "async"
)

// Valid reports whether k is a known vendor kind
func (k VendorKind) Valid() bool {
	return k == VendorSync || k == VendorAsync
}

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}
