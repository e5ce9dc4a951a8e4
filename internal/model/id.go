package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a job identifier. ULIDs sort
// by creation time, which keeps queue order stable on equal timestamps.
func NewID() string {
	return ulid.Make().String()
}
