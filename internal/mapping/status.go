package mapping

import "strings"

// Appointment status codes on the resource side.
const (
	StatusProposed       = "proposed"
	StatusPending        = "pending"
	StatusBooked         = "booked"
	StatusArrived        = "arrived"
	StatusFulfilled      = "fulfilled"
	StatusCancelled      = "cancelled"
	StatusNoShow         = "noshow"
	StatusEnteredInError = "entered-in-error"
	StatusCheckedIn      = "checked-in"
	StatusWaitlist       = "waitlist"
)

// Filler status codes carried in SCH-25.
const (
	LegacyPending   = "Pending"
	LegacyBooked    = "Booked"
	LegacyArrived   = "Arrived"
	LegacyComplete  = "Complete"
	LegacyCancelled = "Cancelled"
	LegacyNoshow    = "Noshow"
	LegacyDeleted   = "Deleted"
	LegacyWaitlist  = "Waitlist"
)

var toLegacy = map[string]string{
	StatusProposed:       LegacyPending,
	StatusPending:        LegacyPending,
	StatusBooked:         LegacyBooked,
	StatusArrived:        LegacyArrived,
	StatusCheckedIn:      LegacyArrived,
	StatusFulfilled:      LegacyComplete,
	StatusCancelled:      LegacyCancelled,
	StatusNoShow:         LegacyNoshow,
	StatusEnteredInError: LegacyDeleted,
	StatusWaitlist:       LegacyWaitlist,
}

// Keyed by lower-cased legacy code.
var fromLegacy = map[string]string{
	"pending":   StatusProposed,
	"booked":    StatusBooked,
	"arrived":   StatusArrived,
	"complete":  StatusFulfilled,
	"cancelled": StatusCancelled,
	"noshow":    StatusNoShow,
	"deleted":   StatusEnteredInError,
	"waitlist":  StatusWaitlist,
}

// ToLegacyStatus maps an appointment status to its SCH-25 filler status.
// Unknown statuses map to Booked.
func ToLegacyStatus(status string) string {
	if s, ok := toLegacy[status]; ok {
		return s
	}
	return LegacyBooked
}

// FromLegacyStatus maps a filler status to an appointment status,
// ignoring case. Arrived always comes back as arrived, never checked-in.
// Unknown or empty codes map to booked.
func FromLegacyStatus(code string) string {
	if s, ok := fromLegacy[strings.ToLower(strings.TrimSpace(code))]; ok {
		return s
	}
	return StatusBooked
}
