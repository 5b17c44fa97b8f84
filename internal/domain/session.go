package domain

import "time"

// Session is the persisted credential pair for the device. It is owned by
// the session layer; nothing else writes its storage record.
type Session struct {
	AccessCredential  string    `json:"access_credential"`
	RefreshCredential string    `json:"refresh_credential"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Valid reports whether the record holds a usable credential pair.
func (s Session) Valid() bool {
	return s.RefreshCredential != ""
}
