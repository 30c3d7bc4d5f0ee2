package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lanshare/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const defaultListLimit = 100

// TransferRecord is the SQLite representation of one finished transfer.
type TransferRecord struct {
	TransferID       string               `json:"transfer_id"`
	Direction        models.Direction     `json:"direction"`
	FileName         string               `json:"file_name"`
	FileSize         int64                `json:"file_size"`
	SenderEmail      string               `json:"sender_email"`
	PeerAddress      string               `json:"peer_address"`
	StoredPath       string               `json:"stored_path"`
	State            models.TransferState `json:"state"`
	TransferredBytes int64                `json:"transferred_bytes"`
	Checksum         string               `json:"checksum,omitempty"`
	Error            string               `json:"error,omitempty"`
	StartedAt        int64                `json:"started_at"`
	FinishedAt       int64                `json:"finished_at"`
}

// TransferFilter narrows ListTransfers results. Zero values match everything.
type TransferFilter struct {
	Direction models.Direction
	State     models.TransferState
	Limit     int
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionSend, models.DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTerminalState(state models.TransferState) error {
	if !state.Terminal() {
		return fmt.Errorf("invalid terminal transfer state %q", state)
	}
	return nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
