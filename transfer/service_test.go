package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"lanshare/models"
	"lanshare/storage"
)

const testTimeout = 5 * time.Second

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func collectEvents(t *testing.T, svc *Service) *eventRecorder {
	t.Helper()
	rec := &eventRecorder{}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case event := <-svc.Events():
				rec.mu.Lock()
				rec.events = append(rec.events, event)
				rec.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(done) })
	return rec
}

func (r *eventRecorder) matching(eventType EventType, transferID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Type != eventType {
			continue
		}
		if transferID != "" && event.Transfer.TransferID != transferID {
			continue
		}
		out = append(out, event)
	}
	return out
}

func (r *eventRecorder) position(eventType EventType, transferID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, event := range r.events {
		if event.Type == eventType && event.Transfer.TransferID == transferID {
			return i
		}
	}
	return -1
}

func (r *eventRecorder) waitFor(t *testing.T, eventType EventType, transferID string) Event {
	t.Helper()
	var found Event
	waitForCondition(t, testTimeout, func() bool {
		events := r.matching(eventType, transferID)
		if len(events) == 0 {
			return false
		}
		found = events[0]
		return true
	})
	return found
}

type memoryHistory struct {
	mu      sync.Mutex
	records []storage.TransferRecord
}

func (h *memoryHistory) RecordTransfer(record storage.TransferRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func (h *memoryHistory) find(transferID string) (storage.TransferRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, record := range h.records {
		if record.TransferID == transferID {
			return record, true
		}
	}
	return storage.TransferRecord{}, false
}

func newTestService(t *testing.T, mutate func(*Options)) *Service {
	t.Helper()
	opts := Options{
		Port:          -1,
		ListenAddress: "127.0.0.1",
		ReceiveDir:    filepath.Join(t.TempDir(), "received"),
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func startReceiver(t *testing.T, mutate func(*Options)) (*Service, *eventRecorder) {
	t.Helper()
	svc := newTestService(t, mutate)
	require.NoError(t, svc.StartServer("bob@example.com"))
	return svc, collectEvents(t, svc)
}

type sendOutcome struct {
	result SendResult
	err    error
}

func sendAsync(sender *Service, destination, path string) <-chan sendOutcome {
	out := make(chan sendOutcome, 1)
	go func() {
		result, err := sender.SendFile(context.Background(), destination, path, "alice@example.com")
		out <- sendOutcome{result: result, err: err}
	}()
	return out
}

func waitOutcome(t *testing.T, ch <-chan sendOutcome) sendOutcome {
	t.Helper()
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for SendFile to return")
	}
	return sendOutcome{}
}

func createFixtureFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	return path, data
}

func checksumHex(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func dialRaw(t *testing.T, svc *Service) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", svc.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readAck(t *testing.T, conn net.Conn) AckHeader {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	payload, _, err := ReadMessage(conn, 0)
	require.NoError(t, err)
	ack, err := decodeAck(payload)
	require.NoError(t, err)
	return ack
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func TestNewRequiresReceiveDir(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{ReceiveDir: t.TempDir(), OfferPolicy: "lottery"})
	assert.Error(t, err)
}

func TestStartServerCreatesReceiveDirAndIsIdempotent(t *testing.T) {
	svc := newTestService(t, nil)

	require.NoError(t, svc.StartServer("bob@example.com"))
	addr := svc.Addr()
	require.NotNil(t, addr)
	require.NoError(t, svc.StartServer("bob@home.example"))
	assert.Equal(t, addr.String(), svc.Addr().String())
	assert.Equal(t, "bob@home.example", svc.SelfEmail())

	info, err := os.Stat(svc.ReceivePath())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, filepath.IsAbs(svc.ReceivePath()))

	require.NoError(t, svc.StopServer())
	require.NoError(t, svc.StopServer())
	assert.Nil(t, svc.Addr())
}

func TestSendFileAcceptedRoundTrip(t *testing.T) {
	receiverHistory := &memoryHistory{}
	senderHistory := &memoryHistory{}
	receiver, recvEvents := startReceiver(t, func(o *Options) { o.History = receiverHistory })
	sender := newTestService(t, func(o *Options) { o.History = senderHistory })
	sendEvents := collectEvents(t, sender)

	source, data := createFixtureFile(t, t.TempDir(), "sample-1mb.bin", 1024*1024)
	outcome := sendAsync(sender, receiver.Addr().String(), source)

	offered := recvEvents.waitFor(t, EventTransferOffered, "")
	assert.Equal(t, "sample-1mb.bin", offered.Transfer.FileName)
	assert.Equal(t, int64(len(data)), offered.Transfer.FileSize)
	assert.Equal(t, "alice@example.com", offered.Transfer.SenderEmail)
	assert.Equal(t, models.StateOfferPresented, offered.Transfer.State)

	pending, ok := receiver.PendingOffer()
	require.True(t, ok)
	assert.Equal(t, offered.Transfer.TransferID, pending.TransferID)

	accepted, err := receiver.AcceptTransfer(offered.Transfer.TransferID)
	require.NoError(t, err)
	require.True(t, accepted)

	result := waitOutcome(t, outcome)
	require.NoError(t, result.err)
	assert.True(t, result.result.Accepted)
	assert.Equal(t, offered.Transfer.TransferID, result.result.TransferID)

	completed := recvEvents.waitFor(t, EventTransferCompleted, offered.Transfer.TransferID)
	assert.Equal(t, 100, completed.Transfer.Progress)
	assert.Equal(t, int64(len(data)), completed.Transfer.TransferredBytes)
	sendEvents.waitFor(t, EventSendCompleted, offered.Transfer.TransferID)

	got, err := os.ReadFile(filepath.Join(receiver.ReceivePath(), "sample-1mb.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, recvEvents.matching(EventTransferCompleted, offered.Transfer.TransferID), 1)
	assert.Len(t, sendEvents.matching(EventSendCompleted, offered.Transfer.TransferID), 1)
	assert.Empty(t, receiver.ActiveTransfers())
	assert.Empty(t, sender.ActiveTransfers())

	for _, events := range [][]Event{
		recvEvents.matching(EventTransferProgress, offered.Transfer.TransferID),
		sendEvents.matching(EventTransferProgress, offered.Transfer.TransferID),
	} {
		require.NotEmpty(t, events)
		last := 0
		for _, event := range events {
			assert.GreaterOrEqual(t, event.Transfer.Progress, last)
			assert.LessOrEqual(t, event.Transfer.Progress, 100)
			last = event.Transfer.Progress
		}
	}

	received, ok := receiverHistory.find(offered.Transfer.TransferID)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, received.State)
	assert.Equal(t, models.DirectionReceive, received.Direction)
	assert.Equal(t, checksumHex(data), received.Checksum)

	sent, ok := senderHistory.find(offered.Transfer.TransferID)
	require.True(t, ok)
	assert.Equal(t, models.DirectionSend, sent.Direction)
	assert.Equal(t, checksumHex(data), sent.Checksum)
}

func TestSendFileRejected(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	receiver, recvEvents := startReceiver(t, func(o *Options) { o.History = store })
	sender := newTestService(t, nil)
	sendEvents := collectEvents(t, sender)

	source, _ := createFixtureFile(t, t.TempDir(), "nope.bin", 4096)
	outcome := sendAsync(sender, receiver.Addr().String(), source)

	offered := recvEvents.waitFor(t, EventTransferOffered, "")
	assert.True(t, receiver.RejectTransfer(offered.Transfer.TransferID))
	assert.False(t, receiver.RejectTransfer(offered.Transfer.TransferID))

	result := waitOutcome(t, outcome)
	require.NoError(t, result.err)
	assert.False(t, result.result.Accepted)

	recvEvents.waitFor(t, EventTransferRejected, offered.Transfer.TransferID)
	sendEvents.waitFor(t, EventTransferRejected, offered.Transfer.TransferID)

	_, err = os.Stat(filepath.Join(receiver.ReceivePath(), "nope.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, ok := receiver.PendingOffer()
	assert.False(t, ok)

	record, err := store.GetTransfer(offered.Transfer.TransferID, models.DirectionReceive)
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, record.State)
	assert.Equal(t, int64(0), record.TransferredBytes)
}

func TestZeroByteFileCompletes(t *testing.T) {
	receiver, recvEvents := startReceiver(t, nil)
	sender := newTestService(t, nil)
	sendEvents := collectEvents(t, sender)

	source, _ := createFixtureFile(t, t.TempDir(), "empty.txt", 0)
	outcome := sendAsync(sender, receiver.Addr().String(), source)

	offered := recvEvents.waitFor(t, EventTransferOffered, "")
	accepted, err := receiver.AcceptTransfer(offered.Transfer.TransferID)
	require.NoError(t, err)
	require.True(t, accepted)

	result := waitOutcome(t, outcome)
	require.NoError(t, result.err)
	completed := recvEvents.waitFor(t, EventTransferCompleted, offered.Transfer.TransferID)
	assert.Equal(t, 100, completed.Transfer.Progress)
	sent := sendEvents.waitFor(t, EventSendCompleted, offered.Transfer.TransferID)
	assert.Equal(t, 100, sent.Transfer.Progress)

	info, err := os.Stat(filepath.Join(receiver.ReceivePath(), "empty.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestBytesArrivingWithHeaderAreWrittenFirst(t *testing.T) {
	receiver, recvEvents := startReceiver(t, nil)
	conn := dialRaw(t, receiver)

	body := []byte("hello world")
	var frame bytes.Buffer
	require.NoError(t, WriteMessage(&frame, OfferHeader{TransferID: "t-eager", FileName: "greeting.txt", FileSize: int64(len(body))}))
	frame.Write(body)
	frame.WriteString("trailing garbage")
	_, err := conn.Write(frame.Bytes())
	require.NoError(t, err)

	recvEvents.waitFor(t, EventTransferOffered, "t-eager")
	accepted, err := receiver.AcceptTransfer("t-eager")
	require.NoError(t, err)
	require.True(t, accepted)
	assert.True(t, readAck(t, conn).Accepted)

	recvEvents.waitFor(t, EventTransferCompleted, "t-eager")
	got, err := os.ReadFile(filepath.Join(receiver.ReceivePath(), "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestCancelDuringReceiveDeletesPartialFile(t *testing.T) {
	receiver, recvEvents := startReceiver(t, nil)
	conn := dialRaw(t, receiver)

	require.NoError(t, WriteMessage(conn, OfferHeader{TransferID: "t-cancel", FileName: "big.bin", FileSize: 1 << 20}))
	recvEvents.waitFor(t, EventTransferOffered, "t-cancel")

	cancelled, err := receiver.CancelTransfer("t-cancel")
	require.NoError(t, err)
	assert.False(t, cancelled, "a pending offer is not streaming")

	accepted, err := receiver.AcceptTransfer("t-cancel")
	require.NoError(t, err)
	require.True(t, accepted)
	require.True(t, readAck(t, conn).Accepted)

	_, err = conn.Write(make([]byte, 1000))
	require.NoError(t, err)
	waitForCondition(t, testTimeout, func() bool {
		return len(recvEvents.matching(EventTransferProgress, "t-cancel")) > 0
	})

	cancelled, err = receiver.CancelTransfer("t-cancel")
	require.NoError(t, err)
	assert.True(t, cancelled)

	recvEvents.waitFor(t, EventTransferCancelled, "t-cancel")
	_, err = os.Stat(filepath.Join(receiver.ReceivePath(), "big.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	cancelled, err = receiver.CancelTransfer("t-cancel")
	require.NoError(t, err)
	assert.False(t, cancelled)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recvEvents.matching(EventTransferCompleted, "t-cancel"))
	assert.Empty(t, recvEvents.matching(EventTransferFailed, "t-cancel"))
}

func TestCancelBeforeFirstBodyRead(t *testing.T) {
	receiver := newTestService(t, func(o *Options) { o.EventBuffer = 1 })
	require.NoError(t, receiver.StartServer("bob@example.com"))

	first := dialRaw(t, receiver)
	require.NoError(t, WriteMessage(first, OfferHeader{TransferID: "t-first", FileName: "a.bin", FileSize: 1}))
	waitForCondition(t, testTimeout, func() bool {
		_, ok := receiver.PendingOffer()
		return ok
	})
	second := dialRaw(t, receiver)
	require.NoError(t, WriteMessage(second, OfferHeader{TransferID: "t-second", FileName: "b.bin", FileSize: 1 << 20}))
	waitForCondition(t, testTimeout, func() bool {
		return len(receiver.ActiveTransfers()) == 2
	})

	// Nobody drains events yet, so both connection goroutines are parked on
	// event delivery while the host decides.
	require.True(t, receiver.RejectTransfer("t-first"))
	accepted, err := receiver.AcceptTransfer("t-second")
	require.NoError(t, err)
	require.True(t, accepted)

	cancelled, err := receiver.CancelTransfer("t-second")
	require.NoError(t, err)
	require.True(t, cancelled)
	_, err = os.Stat(filepath.Join(receiver.ReceivePath(), "b.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	recvEvents := collectEvents(t, receiver)
	recvEvents.waitFor(t, EventTransferCancelled, "t-second")
	waitForCondition(t, testTimeout, func() bool {
		return len(receiver.ActiveTransfers()) == 0
	})

	offeredAt := recvEvents.position(EventTransferOffered, "t-second")
	require.GreaterOrEqual(t, offeredAt, 0)
	assert.Less(t, offeredAt, recvEvents.position(EventTransferCancelled, "t-second"))
	assert.Empty(t, recvEvents.matching(EventTransferAccepted, "t-second"))
	assert.Empty(t, recvEvents.matching(EventTransferFailed, "t-second"))

	require.NoError(t, second.SetReadDeadline(time.Now().Add(testTimeout)))
	leftover, _ := io.ReadAll(second)
	assert.Empty(t, leftover, "no ack is written for a cancelled transfer")
}

func TestUnacceptedOfferIsNotRead(t *testing.T) {
	receiver, recvEvents := startReceiver(t, nil)
	conn := dialRaw(t, receiver)

	body := make([]byte, 32<<20)
	for i := range body {
		body[i] = byte(i % 253)
	}
	require.NoError(t, WriteMessage(conn, OfferHeader{TransferID: "t-held", FileName: "held.bin", FileSize: int64(len(body))}))
	recvEvents.waitFor(t, EventTransferOffered, "t-held")

	writeDone := make(chan error, 1)
	go func() {
		_, err := conn.Write(body)
		writeDone <- err
	}()

	select {
	case err := <-writeDone:
		t.Fatalf("body write finished before the offer was accepted: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	pending, ok := receiver.PendingOffer()
	require.True(t, ok)
	assert.Equal(t, int64(0), pending.TransferredBytes)
	assert.Empty(t, recvEvents.matching(EventTransferProgress, "t-held"))
	_, err := os.Stat(filepath.Join(receiver.ReceivePath(), "held.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	accepted, err := receiver.AcceptTransfer("t-held")
	require.NoError(t, err)
	require.True(t, accepted)
	assert.True(t, readAck(t, conn).Accepted)

	select {
	case err := <-writeDone:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatalf("body write did not finish after accept")
	}
	recvEvents.waitFor(t, EventTransferCompleted, "t-held")

	got, err := os.ReadFile(filepath.Join(receiver.ReceivePath(), "held.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(body, got))
}

func TestSendToOwnListener(t *testing.T) {
	svc, events := startReceiver(t, nil)

	source, data := createFixtureFile(t, t.TempDir(), "loop.bin", 4096)
	outcome := sendAsync(svc, svc.Addr().String(), source)

	offered := events.waitFor(t, EventTransferOffered, "")
	accepted, err := svc.AcceptTransfer(offered.Transfer.TransferID)
	require.NoError(t, err)
	require.True(t, accepted)

	result := waitOutcome(t, outcome)
	require.NoError(t, result.err)
	assert.True(t, result.result.Accepted)

	events.waitFor(t, EventTransferCompleted, offered.Transfer.TransferID)
	events.waitFor(t, EventSendCompleted, offered.Transfer.TransferID)
	waitForCondition(t, testTimeout, func() bool {
		return len(svc.ActiveTransfers()) == 0
	})

	got, err := os.ReadFile(filepath.Join(svc.ReceivePath(), "loop.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestCancelSendReturnsErrCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	stalled := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, _, err := ReadMessage(conn, 0); err != nil {
			_ = conn.Close()
			return
		}
		_ = WriteMessage(conn, AckHeader{Accepted: true})
		stalled <- conn
	}()

	sender := newTestService(t, nil)
	sendEvents := collectEvents(t, sender)

	source := filepath.Join(t.TempDir(), "huge.bin")
	f, err := os.Create(source)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(256<<20))
	require.NoError(t, f.Close())

	outcome := sendAsync(sender, ln.Addr().String(), source)
	peer := <-stalled
	t.Cleanup(func() { _ = peer.Close() })

	progress := sendEvents.waitFor(t, EventTransferProgress, "")
	cancelled, err := sender.CancelTransfer(progress.Transfer.TransferID)
	require.NoError(t, err)
	require.True(t, cancelled)

	result := waitOutcome(t, outcome)
	assert.True(t, errors.Is(result.err, ErrCancelled))
	assert.True(t, result.result.Accepted)

	sendEvents.waitFor(t, EventTransferCancelled, progress.Transfer.TransferID)
	assert.Empty(t, sendEvents.matching(EventSendCompleted, progress.Transfer.TransferID))
	assert.FileExists(t, source)
}

func TestIncompleteBodyFailsAndKeepsPartialFile(t *testing.T) {
	receiver, recvEvents := startReceiver(t, nil)
	conn := dialRaw(t, receiver)

	require.NoError(t, WriteMessage(conn, OfferHeader{TransferID: "t-short", FileName: "short.bin", FileSize: 100}))
	recvEvents.waitFor(t, EventTransferOffered, "t-short")
	accepted, err := receiver.AcceptTransfer("t-short")
	require.NoError(t, err)
	require.True(t, accepted)
	require.True(t, readAck(t, conn).Accepted)

	_, err = conn.Write(make([]byte, 10))
	require.NoError(t, err)
	waitForCondition(t, testTimeout, func() bool {
		return len(recvEvents.matching(EventTransferProgress, "t-short")) > 0
	})
	require.NoError(t, conn.Close())

	failed := recvEvents.waitFor(t, EventTransferFailed, "t-short")
	assert.True(t, errors.Is(failed.Err, ErrIncomplete))

	info, err := os.Stat(filepath.Join(receiver.ReceivePath(), "short.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())
}

func TestIdleTimeoutFailsStream(t *testing.T) {
	receiver, recvEvents := startReceiver(t, func(o *Options) { o.IdleTimeout = 100 * time.Millisecond })
	conn := dialRaw(t, receiver)

	require.NoError(t, WriteMessage(conn, OfferHeader{TransferID: "t-idle", FileName: "idle.bin", FileSize: 100}))
	recvEvents.waitFor(t, EventTransferOffered, "t-idle")
	accepted, err := receiver.AcceptTransfer("t-idle")
	require.NoError(t, err)
	require.True(t, accepted)

	failed := recvEvents.waitFor(t, EventTransferFailed, "t-idle")
	var netErr net.Error
	require.True(t, errors.As(failed.Err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestOfferTimeoutAnswersWithReject(t *testing.T) {
	receiver, recvEvents := startReceiver(t, func(o *Options) { o.OfferTimeout = 100 * time.Millisecond })
	conn := dialRaw(t, receiver)

	require.NoError(t, WriteMessage(conn, OfferHeader{TransferID: "t-late", FileName: "late.bin", FileSize: 5}))
	assert.False(t, readAck(t, conn).Accepted)

	failed := recvEvents.waitFor(t, EventTransferFailed, "t-late")
	assert.True(t, errors.Is(failed.Err, ErrOfferTimeout))

	accepted, err := receiver.AcceptTransfer("t-late")
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestRejectBusyPolicy(t *testing.T) {
	receiver, recvEvents := startReceiver(t, func(o *Options) { o.OfferPolicy = OfferPolicyRejectBusy })

	first := dialRaw(t, receiver)
	require.NoError(t, WriteMessage(first, OfferHeader{TransferID: "t-first", FileName: "a.bin", FileSize: 1}))
	recvEvents.waitFor(t, EventTransferOffered, "t-first")

	second := dialRaw(t, receiver)
	require.NoError(t, WriteMessage(second, OfferHeader{TransferID: "t-second", FileName: "b.bin", FileSize: 1}))
	assert.False(t, readAck(t, second).Accepted)

	rejected := recvEvents.waitFor(t, EventTransferRejected, "t-second")
	assert.True(t, errors.Is(rejected.Err, ErrReceiverBusy))

	pending, ok := receiver.PendingOffer()
	require.True(t, ok)
	assert.Equal(t, "t-first", pending.TransferID)
	assert.Empty(t, recvEvents.matching(EventTransferOffered, "t-second"))
}

func TestQueuePolicyPresentsOffersInOrder(t *testing.T) {
	receiver, recvEvents := startReceiver(t, nil)

	first := dialRaw(t, receiver)
	require.NoError(t, WriteMessage(first, OfferHeader{TransferID: "t-first", FileName: "a.bin", FileSize: 1}))
	recvEvents.waitFor(t, EventTransferOffered, "t-first")

	second := dialRaw(t, receiver)
	require.NoError(t, WriteMessage(second, OfferHeader{TransferID: "t-second", FileName: "b.bin", FileSize: 1}))
	waitForCondition(t, testTimeout, func() bool {
		return len(receiver.ActiveTransfers()) == 2
	})

	accepted, err := receiver.AcceptTransfer("t-second")
	require.NoError(t, err)
	assert.False(t, accepted, "only the presented offer can be decided")
	assert.Empty(t, recvEvents.matching(EventTransferOffered, "t-second"))

	require.True(t, receiver.RejectTransfer("t-first"))
	assert.False(t, readAck(t, first).Accepted)

	recvEvents.waitFor(t, EventTransferOffered, "t-second")
	pending, ok := receiver.PendingOffer()
	require.True(t, ok)
	assert.Equal(t, "t-second", pending.TransferID)
}

func TestAcceptOpenFailureKeepsOfferPending(t *testing.T) {
	receiver, recvEvents := startReceiver(t, nil)
	require.NoError(t, os.Mkdir(filepath.Join(receiver.ReceivePath(), "taken"), 0o755))

	conn := dialRaw(t, receiver)
	require.NoError(t, WriteMessage(conn, OfferHeader{TransferID: "t-dir", FileName: "taken", FileSize: 1}))
	recvEvents.waitFor(t, EventTransferOffered, "t-dir")

	accepted, err := receiver.AcceptTransfer("t-dir")
	assert.Error(t, err)
	assert.False(t, accepted)

	pending, ok := receiver.PendingOffer()
	require.True(t, ok)
	assert.Equal(t, "t-dir", pending.TransferID)
	assert.True(t, receiver.RejectTransfer("t-dir"))
}

func TestMalformedHeadersCloseConnection(t *testing.T) {
	receiver, recvEvents := startReceiver(t, func(o *Options) { o.MaxHeaderSize = 256 })

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "bad json", payload: []byte("not json\x00")},
		{name: "missing id", payload: []byte(`{"fileName":"a","fileSize":1}` + "\x00")},
		{name: "too large", payload: bytes.Repeat([]byte("x"), 1024)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := dialRaw(t, receiver)
			_, err := conn.Write(tc.payload)
			require.NoError(t, err)

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
			_, err = io.ReadAll(conn)
			var netErr net.Error
			if errors.As(err, &netErr) {
				assert.False(t, netErr.Timeout(), "server should close the connection")
			}
		})
	}

	assert.Empty(t, recvEvents.matching(EventTransferOffered, ""))
	assert.Empty(t, receiver.ActiveTransfers())
}

func TestStopServerFailsPendingOffer(t *testing.T) {
	receiver, recvEvents := startReceiver(t, nil)
	conn := dialRaw(t, receiver)

	require.NoError(t, WriteMessage(conn, OfferHeader{TransferID: "t-stop", FileName: "s.bin", FileSize: 1}))
	recvEvents.waitFor(t, EventTransferOffered, "t-stop")

	require.NoError(t, receiver.StopServer())
	failed := recvEvents.waitFor(t, EventTransferFailed, "t-stop")
	assert.True(t, errors.Is(failed.Err, ErrServerStopped))
	_, ok := receiver.PendingOffer()
	assert.False(t, ok)
}

func TestSendFileErrors(t *testing.T) {
	sender := newTestService(t, nil)

	_, err := sender.SendFile(context.Background(), "127.0.0.1:1", filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)

	_, err = sender.SendFile(context.Background(), "127.0.0.1:1", t.TempDir(), "")
	assert.Error(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	source, _ := createFixtureFile(t, t.TempDir(), "a.bin", 16)
	result, err := sender.SendFile(context.Background(), addr, source, "")
	assert.Error(t, err)
	assert.False(t, result.Accepted)
	assert.NotEmpty(t, result.TransferID)
	assert.Empty(t, sender.ActiveTransfers())

	require.NoError(t, sender.Close())
	_, err = sender.SendFile(context.Background(), addr, source, "")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestDialAddress(t *testing.T) {
	svc := newTestService(t, func(o *Options) { o.Port = 5000 })

	assert.Equal(t, "192.168.1.20:5000", svc.dialAddress("192.168.1.20"))
	assert.Equal(t, "192.168.1.20:7000", svc.dialAddress("192.168.1.20:7000"))
	assert.Equal(t, "[fe80::1]:5000", svc.dialAddress("fe80::1"))

	ephemeral := newTestService(t, nil)
	assert.Equal(t, "10.0.0.2:41235", ephemeral.dialAddress("10.0.0.2"))
}
