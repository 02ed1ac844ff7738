package models

import (
	"time"
)

// Subject is a user-curated grouping of platform identities. Profiles maps
// platform -> subject keys tracked under that platform.
type Subject struct {
	SubjectID   string              `json:"subject_id"`
	OwnerID     string              `json:"owner_id"`
	Name        string              `json:"name"`
	Profiles    map[string][]string `json:"profiles"`
	Description *string             `json:"description,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// ProfilePairs flattens the profile map into (platform, subjectKey) pairs.
func (s Subject) ProfilePairs() []ProfilePair {
	var pairs []ProfilePair
	for platform, keys := range s.Profiles {
		for _, key := range keys {
			pairs = append(pairs, ProfilePair{Platform: platform, SubjectKey: key})
		}
	}
	return pairs
}

// ProfilePair identifies one tracked profile.
type ProfilePair struct {
	Platform   string
	SubjectKey string
}

// Group collects subjects under a shared label.
type Group struct {
	GroupID     string    `json:"group_id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Subjects    []string  `json:"subjects"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is an authenticated API consumer, identified by an opaque key.
type User struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key"`
	Banned    bool      `json:"banned"`
	CreatedAt time.Time `json:"created_at"`
}

// Invite is a single-use registration code.
type Invite struct {
	Code      string    `json:"code"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	Used      bool      `json:"used"`
	UsedBy    *string   `json:"used_by,omitempty"`
}
