// Package status derives attendance status, display color, and worked hours
// from a single day bucket of punch records.
//
// Everything here is a pure function of its inputs: no store access, no
// clock access (callers pass the current UTC epoch milliseconds), no side
// effects. Status and color are recomputed on every read and never persisted
// as the source of truth.
package status

import (
	"github.com/fieldops/attendsync/internal/record"
	"github.com/fieldops/attendsync/internal/timeutil"
)

// Status is the derived attendance status for a day bucket.
type Status string

const (
	// Absent means no usable check-in was recorded.
	Absent Status = "ABSENT"

	// PendingApproval means the day needs human review: either a record
	// carries a correction tag, or a shift is open with no checkout.
	PendingApproval Status = "PENDING_APPROVAL"

	// Present means a completed shift met the minimum hours.
	Present Status = "PRESENT"

	// HoursDeficit means a completed shift fell short of the minimum
	// hours. Deficit never escalates to approval.
	HoursDeficit Status = "HOURS_DEFICIT"
)

// Color is the display color for a day bucket.
type Color string

const (
	// Green is the default, unremarkable state.
	Green Color = "GREEN"

	// Yellow means at least one record awaits approval. Highest
	// precedence, independent of hours.
	Yellow Color = "YELLOW"

	// Red means the day ended short of minimum hours. Only applicable at
	// end-of-day; a shift still in progress must never show red.
	Red Color = "RED"
)

// staleAfterMillis is how old a dangling check-in may be before the UI must
// offer only a fresh check-in, never a resume.
const staleAfterMillis = 3 * 24 * timeutil.MillisPerHour

// firstIn returns the earliest IN timestamp of the day, or 0 if none.
func firstIn(records []record.Attendance) int64 {
	var ts int64
	for _, r := range records {
		if r.Direction != record.DirectionIn {
			continue
		}
		if ts == 0 || r.Timestamp < ts {
			ts = r.Timestamp
		}
	}
	return ts
}

// lastOut returns the latest OUT timestamp of the day, or 0 if none.
func lastOut(records []record.Attendance) int64 {
	var ts int64
	for _, r := range records {
		if r.Direction != record.DirectionOut {
			continue
		}
		if r.Timestamp > ts {
			ts = r.Timestamp
		}
	}
	return ts
}

// WorkedHours computes the hours worked for a day bucket of records.
//
// With no check-in the result is 0. With a check-in but no checkout the
// shift is still open and hours accrue against nowUTC. Otherwise hours span
// first check-in to last checkout. The result is clamped to >= 0.
func WorkedHours(records []record.Attendance, nowUTC int64) float64 {
	in := firstIn(records)
	if in == 0 {
		return 0
	}

	out := lastOut(records)
	if out == 0 {
		return timeutil.Hours(nowUTC - in)
	}
	return timeutil.Hours(out - in)
}

// Derive computes the attendance status for a day bucket.
//
// Precedence, evaluated top-down:
//  1. no records or no IN record: ABSENT
//  2. any correction tag: PENDING_APPROVAL
//  3. OUT exists and hours >= minimumHours: PRESENT
//  4. OUT exists and hours < minimumHours: HOURS_DEFICIT
//  5. otherwise (open shift, no correction): PENDING_APPROVAL
func Derive(records []record.Attendance, minimumHours float64, nowUTC int64) Status {
	if firstIn(records) == 0 {
		return Absent
	}

	for _, r := range records {
		if r.NeedsReview() {
			return PendingApproval
		}
	}

	if lastOut(records) != 0 {
		if WorkedHours(records, nowUTC) >= minimumHours {
			return Present
		}
		return HoursDeficit
	}

	return PendingApproval
}

// Colorize computes the display color for a day bucket.
//
// Any record with ApprovalRequired=Y forces YELLOW, overriding both hours
// and the end-of-day flag. RED applies only when endOfDay is set and the day
// fell short of minimum hours.
func Colorize(records []record.Attendance, minimumHours float64, endOfDay bool, nowUTC int64) Color {
	for _, r := range records {
		if r.ApprovalRequired == record.FlagYes {
			return Yellow
		}
	}

	if endOfDay && WorkedHours(records, nowUTC) < minimumHours {
		return Red
	}
	return Green
}

// IsStaleCheckIn reports whether a dangling check-in is older than three
// days. A stale check-in drives the UI to offer only a fresh check-in.
func IsStaleCheckIn(lastCheckIn, nowUTC int64) bool {
	return nowUTC-lastCheckIn > staleAfterMillis
}

// IsMissedCheckout reports whether the user sailed past their shift end
// without checking out.
//
// The shift end is built from the check-in date and the "HH:mm" shiftEnd
// boundary in UTC. When the boundary cannot be resolved, a three-hour-after-
// check-in heuristic is used instead. bufferHours grace is applied on top.
func IsMissedCheckout(lastCheckIn int64, checkInDate, shiftEnd string, bufferHours int, nowUTC int64) bool {
	end, err := timeutil.Timestamp(checkInDate, shiftEnd, "")
	if err != nil {
		end = lastCheckIn + 3*timeutil.MillisPerHour
	}
	return nowUTC > end+int64(bufferHours)*timeutil.MillisPerHour
}
