package fancount

import "time"

// RequestStatus is the lifecycle state of a pending club-setup request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s RequestStatus) Terminal() bool {
	return s != StatusPending
}

// SetupPayload is the club configuration a requester submitted for approval.
type SetupPayload struct {
	ClubName string `msgpack:"club_name" json:"club_name"`
	CircleID string `msgpack:"circle_id" json:"circle_id"`
	Kind     string `msgpack:"kind" json:"kind"`
	Quota    int    `msgpack:"quota" json:"quota"`
}

// PendingRequest is a club-setup/join request awaiting approval. It carries
// its own expiry, independent of the data cache TTLs.
type PendingRequest struct {
	RequestID   string        `msgpack:"request_id" json:"request_id"`
	RequesterID string        `msgpack:"requester_id" json:"requester_id"`
	Payload     SetupPayload  `msgpack:"payload" json:"payload"`
	CreatedAt   time.Time     `msgpack:"created_at" json:"created_at"`
	ExpiresAt   time.Time     `msgpack:"expires_at" json:"expires_at"`
	Status      RequestStatus `msgpack:"status" json:"status"`
}
