package users

import (
	"hash/fnv"
	"strings"
	"time"
)

// Palette lists the cursor and lock colors assigned to collaborators.
var Palette = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#14b8a6", "#3b82f6", "#8b5cf6", "#ec4899",
}

// Identity maps a provider login to the canonical collaborator id and the color peers see.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	Color       string    `gorm:"column:user_color;size:16;not null;default:''"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the resolved identity handed to the coordination layer.
type Profile struct {
	UserID      string
	DisplayName string
	Color       string
}

// ColorFor picks a palette color for userID. The choice is stable for a given palette.
func ColorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return Palette[int(hasher.Sum32()%uint32(len(Palette)))]
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
