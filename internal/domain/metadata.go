package domain

import "time"

// Contact is the persisted metadata record for a synced contact.
// The wa_id is the serialized network id, e.g. "5521999999999@c.us".
type Contact struct {
	Tenant     string `json:"session"`
	WAID       string `json:"wa_id"`
	Name       string `json:"name,omitempty"`
	Pushname   string `json:"pushname,omitempty"`
	Phone      string `json:"phone,omitempty"`
	ProfilePic string `json:"profile_pic,omitempty"`
}

// Message is the persisted metadata record for a synced message.
type Message struct {
	Tenant    string `json:"session"`
	WAID      string `json:"wa_id"`
	ChatID    string `json:"chat_id"`
	Author    string `json:"author,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Body      string `json:"body,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	IsMedia   bool   `json:"is_media"`
	MediaPath string `json:"media_path,omitempty"`
}

// StoredFile is the metadata record written by the storage upload surface.
type StoredFile struct {
	ID           string    `json:"id"`
	Tenant       string    `json:"session,omitempty"`
	OriginalName string    `json:"original_name"`
	StoredPath   string    `json:"stored_path"`
	Mime         string    `json:"mime,omitempty"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}
