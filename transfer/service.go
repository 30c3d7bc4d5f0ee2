package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"lanshare/models"
	"lanshare/storage"
)

const (
	// DefaultPort is the TCP port the transfer server listens on and senders dial.
	DefaultPort = 41235
	// DefaultChunkSize is the body write size on the sending side.
	DefaultChunkSize = 64 * 1024
	// DefaultOfferTimeout bounds how long a presented offer waits for a decision.
	DefaultOfferTimeout = 2 * time.Minute
	// DefaultIdleTimeout bounds each read and write once streaming.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds the sender's dial.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultEventBuffer is the capacity of the events channel.
	DefaultEventBuffer = 256
)

const (
	EventTransferOffered   EventType = "transfer_offered"
	EventTransferProgress  EventType = "transfer_progress"
	EventTransferCompleted EventType = "transfer_completed"
	EventTransferAccepted  EventType = "transfer_accepted"
	EventTransferRejected  EventType = "transfer_rejected"
	EventTransferCancelled EventType = "transfer_cancelled"
	EventTransferFailed    EventType = "transfer_failed"
	EventSendCompleted     EventType = "send_completed"
)

var (
	// ErrClosed is returned by operations on a closed service.
	ErrClosed = errors.New("transfer: service closed")
	// ErrCancelled is returned by SendFile when the transfer was cancelled.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrOfferTimeout marks offers nobody answered in time.
	ErrOfferTimeout = errors.New("transfer: offer not answered in time")
	// ErrReceiverBusy marks offers refused because another offer was presented.
	ErrReceiverBusy = errors.New("transfer: receiver busy")
	// ErrServerStopped marks inbound transfers interrupted by StopServer.
	ErrServerStopped = errors.New("transfer: server stopped")
	// ErrIncomplete marks a body that ended before the declared size.
	ErrIncomplete = errors.New("transfer: connection closed before all bytes arrived")
)

// EventType identifies transfer notifications.
type EventType string

// Event carries a transfer snapshot to the host. Err is set on failures.
type Event struct {
	Type     EventType
	Transfer models.Transfer
	Err      error
}

// OfferPolicy decides what happens to an offer that arrives while another is presented.
type OfferPolicy string

const (
	// OfferPolicyQueue presents offers one at a time in arrival order.
	OfferPolicyQueue OfferPolicy = "queue"
	// OfferPolicyRejectBusy refuses new offers while one is presented.
	OfferPolicyRejectBusy OfferPolicy = "reject_busy"
)

// ParseOfferPolicy maps a config string to an OfferPolicy.
func ParseOfferPolicy(value string) (OfferPolicy, error) {
	switch OfferPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", OfferPolicyQueue:
		return OfferPolicyQueue, nil
	case OfferPolicyRejectBusy:
		return OfferPolicyRejectBusy, nil
	default:
		return "", fmt.Errorf("unknown offer policy %q", value)
	}
}

// Recorder persists finished transfers.
type Recorder interface {
	RecordTransfer(record storage.TransferRecord) error
}

// SendResult reports the receiver's answer to an outgoing offer.
type SendResult struct {
	Accepted   bool
	TransferID string
}

// Options configures a Service.
type Options struct {
	// Port is the listen port and the port dialed when a destination has none.
	// A negative value listens on an ephemeral port.
	Port          int
	ListenAddress string
	ReceiveDir    string

	ChunkSize     int
	MaxHeaderSize int
	// OfferTimeout and IdleTimeout are disabled by negative values.
	OfferTimeout   time.Duration
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	OfferPolicy    OfferPolicy
	EventBuffer    int

	History Recorder
	Logger  log.Logger

	now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.MaxHeaderSize <= 0 {
		out.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if out.OfferTimeout == 0 {
		out.OfferTimeout = DefaultOfferTimeout
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.OfferPolicy == "" {
		out.OfferPolicy = OfferPolicyQueue
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	if out.Logger == nil {
		out.Logger = log.NewNopLogger()
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

func (o Options) listenPort() int {
	if o.Port < 0 {
		return 0
	}
	return o.Port
}

func (o Options) dialPort() int {
	if o.Port < 0 {
		return DefaultPort
	}
	return o.Port
}

// Service runs the inbound transfer server and outbound sends.
type Service struct {
	opts   Options
	logger log.Logger
	events chan Event

	done      chan struct{}
	closeOnce sync.Once

	serverMu     sync.Mutex
	listener     net.Listener
	serverCancel context.CancelFunc
	serverWG     sync.WaitGroup
	selfEmail    string

	mu        sync.Mutex
	active    map[transferKey]*transfer
	presented *transfer
	queue     []*transfer
	inbound   map[net.Conn]struct{}
}

// transferKey identifies an active transfer. A service sending to its own
// listener holds both directions of the same id.
type transferKey struct {
	id        string
	direction models.Direction
}

// transfer is the mutable state behind one models.Transfer. mu serializes
// body writes with cancellation.
type transfer struct {
	mu        sync.Mutex
	desc      models.Transfer
	conn      net.Conn
	file      *os.File
	hasher    hash.Hash
	progress  progressTracker
	cancelled bool

	// receive side only
	buffered  []byte
	presentCh chan struct{}
	decision  chan decision
	decided   bool // guarded by Service.mu
}

type decision struct {
	accept   bool
	timedOut bool
}

// New validates options and creates a service with the server stopped.
func New(options Options) (*Service, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(opts.ReceiveDir) == "" {
		return nil, errors.New("receive directory is required")
	}
	if _, err := ParseOfferPolicy(string(opts.OfferPolicy)); err != nil {
		return nil, err
	}
	receiveDir, err := filepath.Abs(opts.ReceiveDir)
	if err != nil {
		return nil, fmt.Errorf("resolve receive directory: %w", err)
	}
	opts.ReceiveDir = receiveDir

	return &Service{
		opts:    opts,
		logger:  log.With(opts.Logger, "component", "transfer"),
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
		active:  make(map[transferKey]*transfer),
		inbound: make(map[net.Conn]struct{}),
	}, nil
}

// Events returns the notification stream. It is never closed.
func (s *Service) Events() <-chan Event {
	return s.events
}

// ReceivePath returns the absolute directory accepted files are written to.
func (s *Service) ReceivePath() string {
	return s.opts.ReceiveDir
}

// SelfEmail returns the email given to StartServer or SetSelfEmail.
func (s *Service) SelfEmail() string {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	return s.selfEmail
}

// SetSelfEmail changes the email used for sends that do not name a sender.
func (s *Service) SetSelfEmail(email string) {
	s.serverMu.Lock()
	s.selfEmail = strings.TrimSpace(email)
	s.serverMu.Unlock()
}

// Addr returns the listener address, or nil when the server is stopped.
func (s *Service) Addr() net.Addr {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveTransfers returns pending, accepted and streaming transfers in start order.
func (s *Service) ActiveTransfers() []models.Transfer {
	s.mu.Lock()
	out := make([]models.Transfer, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, t.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].TransferID < out[j].TransferID
	})
	return out
}

// PendingOffer returns the offer currently awaiting a decision.
func (s *Service) PendingOffer() (models.Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presented == nil {
		return models.Transfer{}, false
	}
	return s.presented.snapshot(), true
}

// Close stops the server and releases anything blocked on event delivery.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.StopServer()
}

func (s *Service) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CancelTransfer aborts an accepted or streaming transfer in either
// direction. On the receiving side the file handle is closed and the partial
// file removed before it returns. The goroutine driving the transfer emits
// transfer_cancelled once it observes the cancellation.
func (s *Service) CancelTransfer(transferID string) (bool, error) {
	s.mu.Lock()
	candidates := []*transfer{
		s.active[transferKey{id: transferID, direction: models.DirectionReceive}],
		s.active[transferKey{id: transferID, direction: models.DirectionSend}],
	}
	s.mu.Unlock()

	for _, t := range candidates {
		if t == nil {
			continue
		}
		if ok, err := s.cancel(t); ok {
			return true, err
		}
	}
	return false, nil
}

func (s *Service) cancel(t *transfer) (bool, error) {
	t.mu.Lock()
	if t.cancelled || (t.desc.State != models.StateAccepted && t.desc.State != models.StateStreaming) {
		t.mu.Unlock()
		return false, nil
	}
	t.cancelled = true
	t.desc.State = models.StateCancelled
	file := t.file
	t.file = nil
	conn := t.conn
	direction := t.desc.Direction
	localPath := t.desc.LocalPath
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	var cleanupErr error
	if direction == models.DirectionReceive {
		if file != nil {
			_ = file.Close()
		}
		if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			cleanupErr = fmt.Errorf("delete partial file: %w", err)
		}
	}
	return true, cleanupErr
}

func (t *transfer) key() transferKey {
	return transferKey{id: t.desc.TransferID, direction: t.desc.Direction}
}

func (t *transfer) snapshot() models.Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc
}

func (t *transfer) setState(state models.TransferState) models.Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.desc.State = state
	return t.desc
}

func (t *transfer) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *transfer) checksum() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasher == nil {
		return ""
	}
	return hex.EncodeToString(t.hasher.Sum(nil))
}

// finish moves a transfer to its terminal state exactly once: it drops the
// transfer from the active table, records history and emits the final event.
func (s *Service) finish(t *transfer, state models.TransferState, cause error) {
	key := t.key()
	id := key.id
	s.mu.Lock()
	current, ok := s.active[key]
	if ok && current == t {
		delete(s.active, key)
	}
	s.mu.Unlock()
	if !ok || current != t {
		return
	}

	snapshot := t.setState(state)
	s.record(snapshot, t.checksum(), cause)

	eventType := EventTransferFailed
	switch state {
	case models.StateCompleted:
		eventType = EventTransferCompleted
		if snapshot.Direction == models.DirectionSend {
			eventType = EventSendCompleted
		}
	case models.StateRejected:
		eventType = EventTransferRejected
	case models.StateCancelled:
		eventType = EventTransferCancelled
	}

	logger := log.With(s.logger, "transfer_id", id, "direction", snapshot.Direction, "state", state)
	if cause != nil {
		level.Warn(logger).Log("msg", "transfer ended", "bytes", snapshot.TransferredBytes, "err", cause)
	} else {
		level.Info(logger).Log("msg", "transfer ended", "bytes", snapshot.TransferredBytes)
	}

	s.emit(Event{Type: eventType, Transfer: snapshot, Err: cause})
}

func (s *Service) record(snapshot models.Transfer, checksum string, cause error) {
	if s.opts.History == nil {
		return
	}
	record := storage.TransferRecord{
		TransferID:       snapshot.TransferID,
		Direction:        snapshot.Direction,
		FileName:         snapshot.FileName,
		FileSize:         snapshot.FileSize,
		SenderEmail:      snapshot.SenderEmail,
		PeerAddress:      snapshot.PeerAddress,
		StoredPath:       snapshot.LocalPath,
		State:            snapshot.State,
		TransferredBytes: snapshot.TransferredBytes,
		Checksum:         checksum,
		StartedAt:        snapshot.StartedAt.UnixMilli(),
		FinishedAt:       s.opts.now().UnixMilli(),
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	if err := s.opts.History.RecordTransfer(record); err != nil {
		level.Warn(s.logger).Log("msg", "record transfer history failed", "transfer_id", snapshot.TransferID, "err", err)
	}
}

// emit drops progress events when the buffer is full; every other event
// waits for room until the service is closed.
func (s *Service) emit(event Event) {
	if event.Type == EventTransferProgress {
		select {
		case s.events <- event:
		default:
		}
		return
	}
	select {
	case s.events <- event:
	case <-s.done:
	}
}

// advanceLocked counts data toward the transfer. The caller holds t.mu.
func (t *transfer) advanceLocked(data []byte) models.Transfer {
	if t.hasher != nil {
		_, _ = t.hasher.Write(data)
	}
	t.desc.TransferredBytes += int64(len(data))
	t.desc.Progress = t.progress.update(t.desc.TransferredBytes, t.desc.FileSize)
	return t.desc
}

func addrIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	default:
		host, _, err := net.SplitHostPort(a.String())
		if err != nil {
			return a.String()
		}
		return host
	}
}
