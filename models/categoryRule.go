package models

import "time"

// CategoryRule maps sale rows to a reporting category. Rules are matched in
// ascending priority; the first keyword hit wins.
type CategoryRule struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:idx_cr_biz_priority,priority:1" json:"business_id"`
	CategoryId uint      `gorm:"not null" json:"category_id"`
	Keyword    string    `gorm:"size:100;not null" json:"keyword"`
	MatchLabel bool      `gorm:"not null" json:"match_label"`
	Priority   int       `gorm:"not null;index:idx_cr_biz_priority,priority:2" json:"priority"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
