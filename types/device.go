package types

import "time"

// EnrolledDevice is one MDM enrollment. The UDID is unique across all
// enrollments; a physical device re-enrolling under a new UDID gets a new row
// sharing the same serial number.
type EnrolledDevice struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	SerialNumber       string            `gorm:"size:64;index;not null" json:"serial_number"`
	UDID               string            `gorm:"column:udid;size:36;uniqueIndex;not null" json:"udid"`
	PushToken          []byte            `json:"-"`
	PushMagic          *string           `gorm:"size:64" json:"-"`
	UnlockToken        []byte            `json:"-"`
	PushCertificateID  uint              `gorm:"index;not null" json:"push_certificate_id"`
	PushCertificate    *PushCertificate  `json:"-"`
	EnrollmentSecretID *uint             `gorm:"index" json:"enrollment_secret_id,omitempty"`
	EnrollmentSecret   *EnrollmentSecret `json:"-"`
	CheckedOutAt       *time.Time        `json:"checked_out_at,omitempty"`
	CreatedAt          time.Time         `gorm:"<-:create" json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Pushable reports whether the device carries everything a push needs.
func (d *EnrolledDevice) Pushable() bool {
	return len(d.PushToken) > 0 && d.PushMagic != nil && *d.PushMagic != "" && d.CheckedOutAt == nil
}

// DeviceNotification records the outcome of one push attempt cycle.
type DeviceNotification struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	EnrolledDeviceID uint      `gorm:"index;not null" json:"enrolled_device_id"`
	Status           string    `gorm:"size:16;not null" json:"status"`
	Error            string    `json:"error,omitempty"`
	Attempts         int       `json:"attempts"`
	CreatedAt        time.Time `json:"created_at"`
}

const (
	NotificationSucceeded = "succeeded"
	NotificationFailed    = "failed"
)
