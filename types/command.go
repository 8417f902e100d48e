package types

import "time"

const (
	CommandAcknowledged      = "Acknowledged"
	CommandError             = "Error"
	CommandFormatError       = "CommandFormatError"
	CommandNotNow            = "NotNow"
	CommandIdle              = "Idle"
	CommandMalformedEnvelope = "MalformedEnvelope"
)

// DeviceCommand is a command queued for one enrolled device. Body holds the
// frozen wire envelope. Once set it is never rewritten. Dictionary holds the
// plist-encoded command payload without RequestType.
type DeviceCommand struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UUID             string     `gorm:"size:36;uniqueIndex;not null" json:"uuid"`
	EnrolledDeviceID uint       `gorm:"index;not null" json:"enrolled_device_id"`
	RequestType      string     `gorm:"size:128;not null" json:"request_type"`
	Dictionary       []byte     `json:"-"`
	Body             []byte     `json:"-"`
	CodecVersion     string     `gorm:"size:16" json:"codec_version"`
	Status           string     `gorm:"size:32;index" json:"status"`
	ErrorChain       []byte     `json:"-"`
	ResultTime       *time.Time `json:"result_time,omitempty"`
	CreatedAt        time.Time  `gorm:"<-:create" json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Pending reports whether the command still needs to be delivered.
func (c *DeviceCommand) Pending() bool {
	return c.Status == "" || c.Status == CommandNotNow
}
