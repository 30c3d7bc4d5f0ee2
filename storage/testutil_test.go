package storage

import (
	"testing"

	"lanshare/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustRecord(t *testing.T, store *Store, id string, direction models.Direction, state models.TransferState, finishedAt int64) {
	t.Helper()

	err := store.RecordTransfer(TransferRecord{
		TransferID:  id,
		Direction:   direction,
		FileName:    id + ".bin",
		FileSize:    10,
		SenderEmail: "alice@example.com",
		PeerAddress: "192.168.1.20",
		State:       state,
		StartedAt:   finishedAt - 5,
		FinishedAt:  finishedAt,
	})
	if err != nil {
		t.Fatalf("record transfer %q: %v", id, err)
	}
}
