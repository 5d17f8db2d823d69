// Package record provides the data structures persisted by the attendance
// record store and exchanged with the sync server.
//
// Records are designed for offline-first operation: every punch is written
// locally first with Synced=N, and a sync flag transition N->Y is the only
// mutation reconciliation is ever allowed to make to an existing row.
package record

import (
	"fmt"

	"github.com/fieldops/attendsync/internal/timeutil"
	"github.com/google/uuid"
)

// Direction is the punch direction of an attendance event.
type Direction string

const (
	// DirectionIn marks a check-in punch.
	DirectionIn Direction = "IN"

	// DirectionOut marks a check-out punch.
	DirectionOut Direction = "OUT"
)

// Flag is a Y/N marker used for sync state and approval requirements.
type Flag string

const (
	// FlagYes is the affirmative marker.
	FlagYes Flag = "Y"

	// FlagNo is the negative marker.
	FlagNo Flag = "N"
)

// Correction tags a record as requiring human review.
type Correction string

const (
	// CorrectionNone is the default for organically punched records.
	CorrectionNone Correction = ""

	// CorrectionForgotCheckout marks a record closing a forgotten shift.
	CorrectionForgotCheckout Correction = "FORGOT_CHECKOUT"

	// CorrectionManualTime marks a manually entered punch time.
	CorrectionManualTime Correction = "MANUAL_TIME"
)

// Attendance is a single punch event.
//
// Timestamp is UTC epoch milliseconds. The store keys rows by
// (UserID, Timestamp); PunchID is a client-generated UUID used as the push
// idempotency key so a duplicate push is safely ignorable server-side.
type Attendance struct {
	// ===== Identity =====
	PunchID   string `json:"punchId"`
	Timestamp int64  `json:"timestamp"`
	OrgID     string `json:"orgId"`
	UserID    string `json:"userId"`

	// ===== Punch content =====
	PunchType   string    `json:"punchType,omitempty"`
	Direction   Direction `json:"punchDirection"`
	LatLon      string    `json:"latLon,omitempty"`
	Address     string    `json:"address,omitempty"`
	DateOfPunch string    `json:"dateOfPunch"`

	// ===== Sync state =====
	CreatedOn    int64 `json:"createdOn"`
	Synced       Flag  `json:"isSynced"`
	ServerTime   int64 `json:"serverTimestamp,omitempty"`
	LastSyncedAt int64 `json:"lastSyncedAt,omitempty"`

	// ===== Review state =====
	Status           string     `json:"attendanceStatus,omitempty"`
	Correction       Correction `json:"correctionType,omitempty"`
	ApprovalRequired Flag       `json:"approvalRequired,omitempty"`

	// ===== Trip extras, carried opaquely =====
	ModuleID        string `json:"moduleId,omitempty"`
	TripType        string `json:"tripType,omitempty"`
	PassengerID     string `json:"passengerId,omitempty"`
	AllowanceData   string `json:"allowanceData,omitempty"` // JSON text
	CheckoutQRScan  bool   `json:"isCheckoutQrScan,omitempty"`
	TravelerName    string `json:"travelerName,omitempty"`
	PhoneNumber     string `json:"phoneNumber,omitempty"`
}

// Validate checks that the attendance record has usable field values.
func (a *Attendance) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if a.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive (got %d)", a.Timestamp)
	}
	if a.Direction != DirectionIn && a.Direction != DirectionOut {
		return fmt.Errorf("punchDirection must be IN or OUT (got %q)", a.Direction)
	}
	switch a.Correction {
	case CorrectionNone, CorrectionForgotCheckout, CorrectionManualTime:
	default:
		return fmt.Errorf("unknown correctionType %q", a.Correction)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
// This ensures consistent behavior when fields are omitted at punch time.
func (a *Attendance) SetDefaults() {
	if a.PunchID == "" {
		a.PunchID = uuid.NewString()
	}
	if a.CreatedOn == 0 {
		a.CreatedOn = timeutil.NowUTC()
	}
	if a.DateOfPunch == "" {
		a.DateOfPunch = timeutil.DayOf(a.Timestamp)
	}
	if a.Synced == "" {
		a.Synced = FlagNo
	}
	if a.ApprovalRequired == "" {
		a.ApprovalRequired = FlagNo
	}
}

// NeedsReview reports whether the record carries a correction tag.
func (a *Attendance) NeedsReview() bool {
	return a.Correction == CorrectionForgotCheckout || a.Correction == CorrectionManualTime
}
