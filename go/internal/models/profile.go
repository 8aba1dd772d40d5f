package models

// Profile is the display information of a user shown in rosters and events
type Profile struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	AvatarURL string `json:"avatar_url"`
}

// DisplayName returns the name shown to other participants.
func (p Profile) DisplayName() string {
	return p.FirstName
}
