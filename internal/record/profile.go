package record

import "fmt"

// Profile property names tracked by the store. One column per property.
const (
	PropName           = "name"
	PropDOB            = "dob"
	PropEmploymentType = "employment_type"
	PropDesignation    = "designation"
	PropPhotoURL       = "photo_url"
)

// ProfileProperties lists every tracked profile property in column order.
var ProfileProperties = []string{
	PropName,
	PropDOB,
	PropEmploymentType,
	PropDesignation,
	PropPhotoURL,
}

// Profile is one row per user, keyed by email.
//
// The historical schema carried one synced flag per property; the current
// schema carries a single Synced flag for the whole row. The store's
// migration collapses the legacy columns.
type Profile struct {
	Email      string            `json:"email"`
	Properties map[string]string `json:"properties"`

	LastUpdatedAt      int64 `json:"lastUpdatedAt"`
	ServerLastSyncedAt int64 `json:"serverLastSyncedAt"`
	Synced             bool  `json:"isSynced"`
	CreatedAt          int64 `json:"createdAt"`
	UpdatedAt          int64 `json:"updatedAt"`
}

// Validate checks the profile row for required fields.
func (p *Profile) Validate() error {
	if p.Email == "" {
		return fmt.Errorf("email is required")
	}
	for prop := range p.Properties {
		if !KnownProfileProperty(prop) {
			return fmt.Errorf("unknown profile property %q", prop)
		}
	}
	return nil
}

// KnownProfileProperty reports whether prop is a tracked profile column.
func KnownProfileProperty(prop string) bool {
	for _, p := range ProfileProperties {
		if p == prop {
			return true
		}
	}
	return false
}

// Setting is a key/value pair with the same sync metadata shape as Profile.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`

	Synced              bool  `json:"isSynced"`
	LastUpdatedAt       int64 `json:"lastUpdatedAt"`
	ServerLastUpdatedAt int64 `json:"serverLastUpdatedAt"`
	CreatedAt           int64 `json:"createdAt"`
	UpdatedAt           int64 `json:"updatedAt"`
}
