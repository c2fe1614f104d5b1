package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Business struct {
	ID        uuid.UUID `gorm:"primary_key;type:varchar(36)" json:"id"`
	Name      string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Timezone  string    `gorm:"size:50" json:"timezone"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name     string `json:"name" binding:"required"`
	Timezone string `json:"timezone"`
}

var ErrBusinessNotFound = errors.New("business not found")

// Location returns the business timezone, falling back to def when the
// business has none or an unknown one.
func (b Business) Location(def string) *time.Location {
	for _, name := range []string{strings.TrimSpace(b.Timezone), strings.TrimSpace(def)} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

func GetBusiness(ctx context.Context, db *gorm.DB, businessId string) (*Business, error) {
	var business Business
	err := db.WithContext(ctx).Where("id = ?", businessId).Take(&business).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBusinessNotFound
		}
		return nil, err
	}
	return &business, nil
}

func CreateBusiness(ctx context.Context, db *gorm.DB, input NewBusiness) (*Business, error) {
	active := true
	business := Business{
		ID:       uuid.New(),
		Name:     strings.TrimSpace(input.Name),
		Timezone: strings.TrimSpace(input.Timezone),
		IsActive: &active,
	}
	if business.Name == "" {
		return nil, errors.New("business name is required")
	}
	if business.Timezone != "" {
		if _, err := time.LoadLocation(business.Timezone); err != nil {
			return nil, errors.New("invalid timezone")
		}
	}
	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}
	return &business, nil
}

// ListActiveBusinessIds returns ids of active businesses, optionally narrowed.
func ListActiveBusinessIds(ctx context.Context, db *gorm.DB, only string) ([]string, error) {
	q := db.WithContext(ctx).Model(&Business{}).Where("is_active = ?", true)
	if only = strings.TrimSpace(only); only != "" {
		q = q.Where("id = ?", only)
	}
	var ids []string
	if err := q.Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
