package domain

import "time"

// Match is created the moment a second user likes the same movie. Membership
// updates mutate the record in place; CreatedAt keeps the first-match
// timestamp so match history sorts stably.
type Match struct {
	Movie     *MediaItem `json:"movie"`
	Users     []string   `json:"users"`
	CreatedAt time.Time  `json:"createdAt"`
}
