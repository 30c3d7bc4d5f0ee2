package models

import "time"

// Direction tells which side of a transfer the local device is on.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TransferState is the lifecycle position of one transfer attempt.
type TransferState string

const (
	StateConnected      TransferState = "connected"
	StateHeaderPending  TransferState = "header_pending"
	StateOfferPresented TransferState = "offer_presented"
	StateAccepted       TransferState = "accepted"
	StateStreaming      TransferState = "streaming"
	StateCompleted      TransferState = "completed"
	StateRejected       TransferState = "rejected"
	StateCancelled      TransferState = "cancelled"
	StateFailed         TransferState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TransferState) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// Transfer describes one file transfer attempt, sender or receiver side.
type Transfer struct {
	TransferID       string        `json:"transfer_id"`
	FileName         string        `json:"file_name"`
	FileSize         int64         `json:"file_size"`
	SenderEmail      string        `json:"sender_email"`
	Direction        Direction     `json:"direction"`
	State            TransferState `json:"state"`
	TransferredBytes int64         `json:"transferred_bytes"`
	Progress         int           `json:"progress"`
	PeerAddress      string        `json:"peer_address"`
	LocalPath        string        `json:"local_path"`
	StartedAt        time.Time     `json:"started_at"`
}
