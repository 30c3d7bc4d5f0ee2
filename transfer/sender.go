package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"lanshare/models"
)

// SendFile offers localPath to destination and streams it if accepted. It
// blocks until the attempt ends. destination is an IP or host, optionally
// with a port; an empty senderEmail falls back to the self email.
func (s *Service) SendFile(ctx context.Context, destination, localPath, senderEmail string) (SendResult, error) {
	if s.isClosed() {
		return SendResult{}, ErrClosed
	}
	if strings.TrimSpace(destination) == "" {
		return SendResult{}, errors.New("destination is required")
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return SendResult{}, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return SendResult{}, fmt.Errorf("source %q is a directory", localPath)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return SendResult{}, fmt.Errorf("open source file: %w", err)
	}
	defer file.Close()

	if strings.TrimSpace(senderEmail) == "" {
		senderEmail = s.SelfEmail()
	}
	addr := s.dialAddress(destination)

	t := &transfer{
		desc: models.Transfer{
			TransferID:  uuid.NewString(),
			FileName:    filepath.Base(localPath),
			FileSize:    info.Size(),
			SenderEmail: senderEmail,
			Direction:   models.DirectionSend,
			State:       models.StateConnected,
			PeerAddress: addr,
			LocalPath:   localPath,
			StartedAt:   s.opts.now(),
		},
		hasher: newHasher(),
	}
	result := SendResult{TransferID: t.desc.TransferID}
	logger := log.With(s.logger, "transfer_id", result.TransferID, "peer", addr)

	s.mu.Lock()
	s.active[t.key()] = t
	s.mu.Unlock()

	dialer := net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", addr, err)
		s.finish(t, models.StateFailed, err)
		return result, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	fail := func(cause error) (SendResult, error) {
		if t.isCancelled() {
			s.finish(t, models.StateCancelled, nil)
			return result, ErrCancelled
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = fmt.Errorf("%w: %v", ctxErr, cause)
		}
		s.finish(t, models.StateFailed, cause)
		return result, cause
	}

	header := OfferHeader{
		TransferID:  t.desc.TransferID,
		FileName:    t.desc.FileName,
		FileSize:    t.desc.FileSize,
		SenderEmail: senderEmail,
	}
	s.setWriteDeadline(conn)
	if err := WriteMessage(conn, header); err != nil {
		return fail(err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	t.setState(models.StateOfferPresented)
	level.Debug(logger).Log("msg", "offer sent", "file", header.FileName, "size", header.FileSize)

	payload, _, err := ReadMessage(conn, s.opts.MaxHeaderSize)
	if err != nil {
		return fail(fmt.Errorf("read ack: %w", err))
	}
	ack, err := decodeAck(payload)
	if err != nil {
		return fail(err)
	}
	if !ack.Accepted {
		_ = conn.Close()
		s.finish(t, models.StateRejected, nil)
		return result, nil
	}
	result.Accepted = true

	snapshot := t.setState(models.StateAccepted)
	s.emit(Event{Type: EventTransferAccepted, Transfer: snapshot})
	t.setState(models.StateStreaming)

	if err := s.streamBody(t, file, conn); err != nil {
		return fail(err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	_ = conn.Close()

	t.mu.Lock()
	cancelled := t.cancelled
	if !cancelled {
		t.desc.Progress = 100
		t.desc.State = models.StateCompleted
	}
	t.mu.Unlock()
	if cancelled {
		s.finish(t, models.StateCancelled, nil)
		return result, ErrCancelled
	}
	s.finish(t, models.StateCompleted, nil)
	return result, nil
}

// streamBody writes the file in chunks, finishing each write before reading
// the next chunk.
func (s *Service) streamBody(t *transfer, file io.Reader, conn net.Conn) error {
	size := t.snapshot().FileSize
	buf := make([]byte, s.opts.ChunkSize)
	var sent int64
	for sent < size {
		want := int64(len(buf))
		if remaining := size - sent; remaining < want {
			want = remaining
		}
		n, readErr := io.ReadFull(file, buf[:want])
		if n > 0 {
			s.setWriteDeadline(conn)
			if _, err := conn.Write(buf[:n]); err != nil {
				return fmt.Errorf("write body: %w", err)
			}
			sent += int64(n)

			t.mu.Lock()
			snapshot := t.advanceLocked(buf[:n])
			t.mu.Unlock()
			s.emit(Event{Type: EventTransferProgress, Transfer: snapshot})
		}
		if readErr != nil && sent < size {
			return fmt.Errorf("read source file: %w", readErr)
		}
	}
	return nil
}

func (s *Service) dialAddress(destination string) string {
	destination = strings.TrimSpace(destination)
	if host, port, err := net.SplitHostPort(destination); err == nil {
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(strings.Trim(destination, "[]"), strconv.Itoa(s.opts.dialPort()))
}
