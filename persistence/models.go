package persistence

import "time"

const (
	StatusValid = "valid"
	StatusError = "error"
)

// MXRecord is a mail exchanger shared by every domain that lists it.
type MXRecord struct {
	ID           uint    `gorm:"primaryKey"`
	MX           string  `gorm:"column:mx;uniqueIndex;not null"`
	Banner       *string `gorm:"column:banner"`
	LastChecked  *time.Time
	Status       string
	ErrorMessage string
}

func (MXRecord) TableName() string {
	return "mxrecords"
}

// Domain binds a domain name to one of its mail exchangers.
type Domain struct {
	ID       uint     `gorm:"primaryKey"`
	Domain   string   `gorm:"index;not null"`
	MXID     uint     `gorm:"column:mx;not null"`
	MXRecord MXRecord `gorm:"foreignKey:MXID;constraint:OnDelete:RESTRICT"`
	Pref     int      `gorm:"column:pref"`
}

func (Domain) TableName() string {
	return "domains"
}

// Binding is one resolved (host, preference) pair to attach to a domain.
type Binding struct {
	Host       string
	Preference int
}
