package models

import "time"

// Meme is a stored image and the message it was posted with. The image
// itself lives in the blob directory under Filename.
type Meme struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Spoiler   bool      `gorm:"not null;default:false"`
	Text      string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"not null;index"`
	Account   string    `gorm:"size:255;not null"`
	Channel   string    `gorm:"size:255;not null;index"`
	Platform  string    `gorm:"size:16;not null;uniqueIndex:ux_memes_source,priority:1"`
	ChatID    string    `gorm:"size:64;not null;default:'';uniqueIndex:ux_memes_source,priority:2"`
	// SourceMessageID is nil for memes not tied to a platform message.
	SourceMessageID *int64 `gorm:"uniqueIndex:ux_memes_source,priority:3"`
	Filename        string `gorm:"size:255;not null;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
