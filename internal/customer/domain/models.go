package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Customer struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name           string            `gorm:"not null" json:"name"`
	Email          string            `gorm:"not null;uniqueIndex" json:"email"`
	Address        string            `json:"address,omitempty"`
	City           string            `json:"city,omitempty"`
	Country        string            `json:"country,omitempty"`
	BIN            string            `gorm:"column:bin" json:"bin,omitempty"`
	Brand          string            `json:"brand,omitempty"`
	Last4          string            `gorm:"column:last4" json:"last4,omitempty"`
	ProcessorToken *string           `json:"-"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }
