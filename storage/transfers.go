package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lanshare/models"
)

const transferColumns = `
			transfer_id,
			direction,
			file_name,
			file_size,
			sender_email,
			peer_address,
			stored_path,
			state,
			transferred_bytes,
			checksum,
			error,
			started_at,
			finished_at`

// RecordTransfer inserts or replaces the row for (transfer_id, direction).
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if err := validateTerminalState(record.State); err != nil {
		return err
	}
	if record.FileSize < 0 || record.TransferredBytes < 0 {
		return errors.New("sizes must be >= 0")
	}
	if record.FinishedAt == 0 {
		record.FinishedAt = nowUnixMilli()
	}
	if record.StartedAt == 0 {
		record.StartedAt = record.FinishedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, direction) DO UPDATE SET
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			sender_email = excluded.sender_email,
			peer_address = excluded.peer_address,
			stored_path = excluded.stored_path,
			state = excluded.state,
			transferred_bytes = excluded.transferred_bytes,
			checksum = excluded.checksum,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		record.TransferID,
		string(record.Direction),
		record.FileName,
		record.FileSize,
		record.SenderEmail,
		record.PeerAddress,
		record.StoredPath,
		string(record.State),
		record.TransferredBytes,
		nullString(record.Checksum),
		nullString(record.Error),
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer %q/%q: %w", record.TransferID, record.Direction, err)
	}
	return nil
}

// GetTransfer fetches one history row.
func (s *Store) GetTransfer(transferID string, direction models.Direction) (*TransferRecord, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}
	if err := validateDirection(direction); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ? AND direction = ?`,
		transferID,
		string(direction),
	)

	record, err := scanTransferRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q/%q: %w", transferID, direction, err)
	}
	return record, nil
}

// ListTransfers returns history rows newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]TransferRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
		where = append(where, "direction = ?")
		args = append(args, string(filter.Direction))
	}
	if filter.State != "" {
		if err := validateTerminalState(filter.State); err != nil {
			return nil, err
		}
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT` + transferColumns + `
		FROM transfers`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY finished_at DESC, started_at DESC, transfer_id\n\t\tLIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransferRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

// PruneTransfers deletes rows that finished before olderThan.
func (s *Store) PruneTransfers(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE finished_at < ?`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransferRecord(scanner rowScanner) (*TransferRecord, error) {
	var (
		record    TransferRecord
		direction string
		state     string
		checksum  sql.NullString
		errText   sql.NullString
	)
	if err := scanner.Scan(
		&record.TransferID,
		&direction,
		&record.FileName,
		&record.FileSize,
		&record.SenderEmail,
		&record.PeerAddress,
		&record.StoredPath,
		&state,
		&record.TransferredBytes,
		&checksum,
		&errText,
		&record.StartedAt,
		&record.FinishedAt,
	); err != nil {
		return nil, err
	}
	record.Direction = models.Direction(direction)
	record.State = models.TransferState(state)
	record.Checksum = checksum.String
	record.Error = errText.String
	return &record, nil
}
