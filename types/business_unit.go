package types

import "time"

// BusinessUnit groups enrollment secrets, and through them the devices
// enrolled with those secrets. Policies are scoped to a business unit.
type BusinessUnit struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `gorm:"<-:create" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EnrollmentSecret struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	BusinessUnitID uint          `gorm:"index;not null" json:"business_unit_id"`
	BusinessUnit   *BusinessUnit `json:"-"`
	Secret         string        `gorm:"size:64;uniqueIndex;not null" json:"-"`
	CreatedAt      time.Time     `gorm:"<-:create" json:"created_at"`
}
