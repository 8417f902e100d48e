package types

import "time"

// PushCertificate is an APNs certificate. Its topic is the routing key used
// by devices during check-in.
type PushCertificate struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Topic       string    `gorm:"size:255;uniqueIndex;not null" json:"topic"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Certificate []byte    `json:"-"`
	PrivateKey  []byte    `json:"-"`
	CreatedAt   time.Time `gorm:"<-:create" json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c *PushCertificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && t.Before(c.NotAfter)
}
