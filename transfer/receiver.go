package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/crypto/blake2b"

	"lanshare/models"
)

// StartServer creates the receive directory and begins accepting offers.
// Calling it while running only updates the self email.
func (s *Service) StartServer(selfEmail string) error {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}
	s.selfEmail = selfEmail
	if s.listener != nil {
		return nil
	}

	if err := os.MkdirAll(s.opts.ReceiveDir, 0o755); err != nil {
		return fmt.Errorf("create receive directory: %w", err)
	}

	addr := net.JoinHostPort(s.opts.ListenAddress, strconv.Itoa(s.opts.listenPort()))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.serverCancel = cancel

	s.serverWG.Add(1)
	go s.acceptLoop(ctx, ln)

	level.Info(s.logger).Log("msg", "transfer server listening", "addr", ln.Addr().String(), "receive_dir", s.opts.ReceiveDir)
	return nil
}

// StopServer closes the listener and fails every inbound transfer in flight.
func (s *Service) StopServer() error {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()

	if s.listener == nil {
		return nil
	}

	s.serverCancel()
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	s.mu.Lock()
	for conn := range s.inbound {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.serverWG.Wait()
	s.listener = nil
	s.serverCancel = nil

	level.Info(s.logger).Log("msg", "transfer server stopped")
	return err
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.serverWG.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			level.Warn(s.logger).Log("msg", "accept failed", "err", err)
			continue
		}

		s.serverWG.Add(1)
		go func() {
			defer s.serverWG.Done()
			s.handleInbound(ctx, conn)
		}()
	}
}

func (s *Service) trackInbound(conn net.Conn) {
	s.mu.Lock()
	s.inbound[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrackInbound(conn net.Conn) {
	s.mu.Lock()
	delete(s.inbound, conn)
	s.mu.Unlock()
}

func (s *Service) handleInbound(ctx context.Context, conn net.Conn) {
	s.trackInbound(conn)
	defer s.untrackInbound(conn)
	defer conn.Close()

	if ctx.Err() != nil {
		return
	}

	peer := addrIP(conn.RemoteAddr())
	logger := log.With(s.logger, "peer", peer)

	s.setReadDeadline(conn)
	payload, rest, err := ReadMessage(conn, s.opts.MaxHeaderSize)
	if err != nil {
		level.Warn(logger).Log("msg", "dropping connection without a valid offer", "err", err)
		return
	}
	header, err := decodeOffer(payload)
	if err != nil {
		level.Warn(logger).Log("msg", "dropping malformed offer", "err", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	t := &transfer{
		desc: models.Transfer{
			TransferID:  header.TransferID,
			FileName:    header.FileName,
			FileSize:    header.FileSize,
			SenderEmail: header.SenderEmail,
			Direction:   models.DirectionReceive,
			State:       models.StateHeaderPending,
			PeerAddress: peer,
			StartedAt:   s.opts.now(),
		},
		conn:      conn,
		buffered:  rest,
		presentCh: make(chan struct{}),
		decision:  make(chan decision, 1),
	}
	logger = log.With(logger, "transfer_id", header.TransferID)

	switch s.enqueueOffer(t) {
	case enqueueDuplicate:
		level.Warn(logger).Log("msg", "dropping offer with a transfer id already in use")
		return
	case enqueueBusy:
		s.writeAck(conn, false)
		s.finish(t, models.StateRejected, ErrReceiverBusy)
		return
	}

	d, ok := s.awaitDecision(ctx, t)
	if !ok {
		s.failReceive(t, ErrServerStopped)
		return
	}
	switch {
	case d.timedOut:
		s.writeAck(conn, false)
		s.finish(t, models.StateFailed, ErrOfferTimeout)
		return
	case !d.accept:
		s.writeAck(conn, false)
		s.finish(t, models.StateRejected, nil)
		return
	}

	if t.isCancelled() {
		s.finish(t, models.StateCancelled, nil)
		return
	}
	s.emit(Event{Type: EventTransferAccepted, Transfer: t.snapshot()})

	if err := s.writeAckErr(conn, true); err != nil {
		s.failReceive(t, err)
		return
	}
	s.receiveBody(ctx, t)
}

type enqueueResult int

const (
	enqueueOK enqueueResult = iota
	enqueueDuplicate
	enqueueBusy
)

// enqueueOffer registers an inbound offer. The first offer is presented at
// once; later ones queue or are refused depending on the policy.
func (s *Service) enqueueOffer(t *transfer) enqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := t.key()
	if _, exists := s.active[key]; exists {
		return enqueueDuplicate
	}
	s.active[key] = t
	if s.presented == nil {
		s.presentLocked(t)
		return enqueueOK
	}
	if s.opts.OfferPolicy == OfferPolicyRejectBusy {
		t.decided = true
		return enqueueBusy
	}
	s.queue = append(s.queue, t)
	return enqueueOK
}

func (s *Service) presentLocked(t *transfer) {
	s.presented = t
	t.mu.Lock()
	t.desc.State = models.StateOfferPresented
	t.mu.Unlock()
	close(t.presentCh)
}

// releaseLocked removes t from the presented slot or the queue and presents
// the next queued offer.
func (s *Service) releaseLocked(t *transfer) {
	if s.presented == t {
		s.presented = nil
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.presentLocked(next)
		}
		return
	}
	for i, queued := range s.queue {
		if queued == t {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// awaitDecision blocks without reading the connection until the offer is
// decided, expires, or the server stops. ok is false only on stop.
func (s *Service) awaitDecision(ctx context.Context, t *transfer) (decision, bool) {
	select {
	case <-t.presentCh:
	case <-ctx.Done():
		if s.withdrawOffer(t) {
			return decision{}, false
		}
		<-t.presentCh
	}

	s.emit(Event{Type: EventTransferOffered, Transfer: t.snapshot()})

	var timeout <-chan time.Time
	if s.opts.OfferTimeout > 0 {
		timer := time.NewTimer(s.opts.OfferTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-t.decision:
		return d, true
	case <-timeout:
		if s.withdrawOffer(t) {
			return decision{timedOut: true}, true
		}
		return <-t.decision, true
	case <-ctx.Done():
		if s.withdrawOffer(t) {
			return decision{}, false
		}
		<-t.decision
		return decision{}, false
	}
}

// withdrawOffer claims the decision for the caller. It reports false when a
// host decision already won.
func (s *Service) withdrawOffer(t *transfer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.decided {
		return false
	}
	t.decided = true
	s.releaseLocked(t)
	return true
}

// AcceptTransfer accepts the presented offer. The destination file is opened
// and handed to the transfer before returning; on failure the offer stays
// pending.
func (s *Service) AcceptTransfer(transferID string) (bool, error) {
	s.mu.Lock()
	t := s.presented
	if t == nil || t.decided || t.desc.TransferID != transferID {
		s.mu.Unlock()
		return false, nil
	}

	path := filepath.Join(s.opts.ReceiveDir, t.desc.FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("open destination file: %w", err)
	}

	t.decided = true
	t.mu.Lock()
	t.desc.State = models.StateAccepted
	t.desc.LocalPath = path
	t.file = file
	t.hasher = newHasher()
	t.mu.Unlock()
	s.releaseLocked(t)
	s.mu.Unlock()

	t.decision <- decision{accept: true}
	return true, nil
}

// RejectTransfer refuses the presented offer.
func (s *Service) RejectTransfer(transferID string) bool {
	s.mu.Lock()
	t := s.presented
	if t == nil || t.decided || t.desc.TransferID != transferID {
		s.mu.Unlock()
		return false
	}
	t.decided = true
	s.releaseLocked(t)
	s.mu.Unlock()

	t.decision <- decision{accept: false}
	return true
}

func (s *Service) receiveBody(ctx context.Context, t *transfer) {
	snapshot := t.setState(models.StateStreaming)
	size := snapshot.FileSize

	if len(t.buffered) > 0 {
		data := t.buffered
		if int64(len(data)) > size {
			data = data[:size]
		}
		t.buffered = nil
		if stop, err := s.writeChunk(t, data); stop {
			s.finish(t, models.StateCancelled, nil)
			return
		} else if err != nil {
			s.failReceive(t, err)
			return
		}
	}

	buf := make([]byte, s.opts.ChunkSize)
	for {
		received := t.snapshot().TransferredBytes
		if received >= size {
			break
		}
		want := int64(len(buf))
		if remaining := size - received; remaining < want {
			want = remaining
		}

		s.setReadDeadline(t.conn)
		n, readErr := t.conn.Read(buf[:want])
		if n > 0 {
			if stop, err := s.writeChunk(t, buf[:n]); stop {
				s.finish(t, models.StateCancelled, nil)
				return
			} else if err != nil {
				s.failReceive(t, err)
				return
			}
		}
		if readErr != nil {
			if t.snapshot().TransferredBytes >= size {
				break
			}
			if t.isCancelled() {
				s.finish(t, models.StateCancelled, nil)
				return
			}
			if errors.Is(readErr, io.EOF) {
				readErr = ErrIncomplete
			} else if ctx.Err() != nil {
				readErr = fmt.Errorf("%w: %v", ErrServerStopped, readErr)
			}
			s.failReceive(t, readErr)
			return
		}
	}

	s.completeReceive(t)
}

// writeChunk writes data to the destination file unless the transfer was
// cancelled, which it reports as stop.
func (s *Service) writeChunk(t *transfer, data []byte) (stop bool, err error) {
	t.mu.Lock()
	if t.cancelled || t.file == nil {
		t.mu.Unlock()
		return true, nil
	}
	if _, err := t.file.Write(data); err != nil {
		t.mu.Unlock()
		return false, fmt.Errorf("write destination file: %w", err)
	}
	snapshot := t.advanceLocked(data)
	t.mu.Unlock()

	s.emit(Event{Type: EventTransferProgress, Transfer: snapshot})
	return false, nil
}

func (s *Service) completeReceive(t *transfer) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		s.finish(t, models.StateCancelled, nil)
		return
	}
	file := t.file
	t.file = nil
	t.desc.Progress = 100
	t.desc.State = models.StateCompleted
	t.mu.Unlock()

	var closeErr error
	if file != nil {
		closeErr = file.Close()
	}
	_ = t.conn.Close()
	if closeErr != nil {
		s.finish(t, models.StateFailed, fmt.Errorf("close destination file: %w", closeErr))
		return
	}
	s.finish(t, models.StateCompleted, nil)
}

// failReceive closes the destination file and leaves the partial data on
// disk. A cancelled transfer ends as cancelled instead.
func (s *Service) failReceive(t *transfer, cause error) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		s.finish(t, models.StateCancelled, nil)
		return
	}
	file := t.file
	t.file = nil
	t.mu.Unlock()

	if file != nil {
		_ = file.Close()
	}
	_ = t.conn.Close()
	s.finish(t, models.StateFailed, cause)
}

func (s *Service) writeAck(conn net.Conn, accepted bool) {
	if err := s.writeAckErr(conn, accepted); err != nil {
		level.Debug(s.logger).Log("msg", "write ack failed", "accepted", accepted, "err", err)
	}
}

func (s *Service) writeAckErr(conn net.Conn, accepted bool) error {
	s.setWriteDeadline(conn)
	defer conn.SetWriteDeadline(time.Time{})
	return WriteMessage(conn, AckHeader{Accepted: accepted})
}

func (s *Service) setReadDeadline(conn net.Conn) {
	if s.opts.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
}

func (s *Service) setWriteDeadline(conn net.Conn) {
	if s.opts.IdleTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
}

func newHasher() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for oversized keys
		panic(err)
	}
	return h
}
