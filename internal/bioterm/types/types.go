package types

import "time"

// User is one identity record pushed down from the attendance server or
// created during local enrollment. AgentID is the primary key; upserts
// replace the whole row and refresh EnrolledAt.
type User struct {
	CompanyID  int64
	OfficeID   int64
	AgentID    int64
	Name       string
	EnrolledAt time.Time
}

// FingerprintBinding maps one sensor template slot to one agent. A slot is
// bound to at most one agent at any instant.
type FingerprintBinding struct {
	ID      int64
	AgentID int64
	Slot    int
}

// AttendanceEvent is one immutable check-in record. Synced flips 0->1
// exactly once, after the server has acknowledged the batch containing it.
type AttendanceEvent struct {
	ID        int64
	UserID    int64
	Timestamp string // ISO-8601, device-local time
	Type      string
	Synced    bool
}

const EventTypeCheckin = "checkin"

// UserListing is one row of the operator-facing user list.
type UserListing struct {
	AgentID    int64
	Name       string
	HasBinding bool
}

// StatusFunc receives human-readable state change notifications (match
// results, enrollment prompts, sync outcomes). Implementations must not
// block; the capture loop calls this inline.
type StatusFunc func(message string)
