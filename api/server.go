// Package api exposes the local control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"

	"lanshare/discovery"
	"lanshare/models"
	"lanshare/storage"
	"lanshare/transfer"
)

// Discovery is the part of discovery.Service the API drives.
type Discovery interface {
	Devices() []models.Device
	FindByEmail(email string) (models.Device, bool)
	FindByID(deviceID string) (models.Device, bool)
	UpdateIdentity(update discovery.IdentityUpdate)
	Identity() discovery.Identity
}

// Transfers is the part of transfer.Service the API drives.
type Transfers interface {
	ActiveTransfers() []models.Transfer
	PendingOffer() (models.Transfer, bool)
	SendFile(ctx context.Context, destination, localPath, senderEmail string) (transfer.SendResult, error)
	AcceptTransfer(transferID string) (bool, error)
	RejectTransfer(transferID string) bool
	CancelTransfer(transferID string) (bool, error)
	SetSelfEmail(email string)
}

// History lists finished transfers.
type History interface {
	ListTransfers(filter storage.TransferFilter) ([]storage.TransferRecord, error)
}

// Options wires the API to the running services.
type Options struct {
	Discovery Discovery
	Transfers Transfers
	History   History
	Hub       *Hub
	Logger    log.Logger

	// OnIdentityChange is called after a successful identity update.
	OnIdentityChange func(discovery.Identity)
}

// Server serves the control API.
type Server struct {
	opts   Options
	logger log.Logger
	echo   *echo.Echo

	// baseCtx ends background sends and event streams on Shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	sends      sync.WaitGroup
}

// NewServer builds the echo instance and registers the /v1 routes. A nil Hub
// or Logger is replaced with a fresh hub or a no-op logger.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	logger := log.With(opts.Logger, "component", "api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	RegisterErrorHandler(e, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:       opts,
		logger:     logger,
		echo:       e,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.echo.Group("/v1")
	v1.GET("/devices", s.listDevices)
	v1.GET("/devices/:id", s.getDevice)
	v1.PUT("/identity", s.updateIdentity)
	v1.GET("/identity", s.getIdentity)
	v1.GET("/transfers", s.listActiveTransfers)
	v1.GET("/transfers/pending", s.getPendingOffer)
	v1.POST("/transfers", s.startSend)
	v1.POST("/transfers/:id/accept", s.acceptTransfer)
	v1.POST("/transfers/:id/reject", s.rejectTransfer)
	v1.POST("/transfers/:id/cancel", s.cancelTransfer)
	v1.GET("/history", s.listHistory)
	v1.GET("/events", s.streamEvents)
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Hub returns the event hub the stream endpoint reads from.
func (s *Server) Hub() *Hub {
	return s.opts.Hub
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	level.Info(s.logger).Log("msg", "starting HTTP server", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve api: %w", err)
	}
	return nil
}

// Shutdown ends event streams and sends started through the API, then stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	err := s.echo.Shutdown(ctx)
	s.sends.Wait()
	return err
}

func (s *Server) listDevices(c echo.Context) error {
	if email := strings.TrimSpace(c.QueryParam("email")); email != "" {
		device, ok := s.opts.Discovery.FindByEmail(email)
		if !ok {
			return c.JSON(http.StatusOK, []models.Device{})
		}
		return c.JSON(http.StatusOK, []models.Device{device})
	}
	return c.JSON(http.StatusOK, s.opts.Discovery.Devices())
}

func (s *Server) getDevice(c echo.Context) error {
	device, ok := s.opts.Discovery.FindByID(c.Param("id"))
	if !ok {
		return NewNotFoundError("device not found")
	}
	return c.JSON(http.StatusOK, device)
}

type identityRequest struct {
	DeviceName *string `json:"device_name"`
	Email      *string `json:"email"`
}

type identityResponse struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Email      string `json:"email"`
}

func toIdentityResponse(identity discovery.Identity) identityResponse {
	return identityResponse{
		DeviceID:   identity.DeviceID,
		DeviceName: identity.DeviceName,
		Email:      identity.Email,
	}
}

func (s *Server) getIdentity(c echo.Context) error {
	return c.JSON(http.StatusOK, toIdentityResponse(s.opts.Discovery.Identity()))
}

func (s *Server) updateIdentity(c echo.Context) error {
	var req identityRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return NewBadParameterError("invalid request body", err)
	}
	if req.DeviceName == nil && req.Email == nil {
		return NewBadParameterError("device_name or email is required", nil)
	}
	if req.DeviceName != nil {
		name := strings.TrimSpace(*req.DeviceName)
		if name == "" {
			return NewBadParameterError("device_name cannot be empty", nil)
		}
		req.DeviceName = &name
	}
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		req.Email = &email
	}

	s.opts.Discovery.UpdateIdentity(discovery.IdentityUpdate{DeviceName: req.DeviceName, Email: req.Email})
	if req.Email != nil {
		s.opts.Transfers.SetSelfEmail(*req.Email)
	}

	identity := s.opts.Discovery.Identity()
	if s.opts.OnIdentityChange != nil {
		s.opts.OnIdentityChange(identity)
	}
	return c.JSON(http.StatusOK, toIdentityResponse(identity))
}

func (s *Server) listActiveTransfers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.opts.Transfers.ActiveTransfers())
}

func (s *Server) getPendingOffer(c echo.Context) error {
	offer, ok := s.opts.Transfers.PendingOffer()
	if !ok {
		return NewNotFoundError("no pending offer")
	}
	return c.JSON(http.StatusOK, offer)
}

type sendRequest struct {
	// Destination is an IP or host:port. Email resolves a discovered device instead.
	Destination string `json:"destination"`
	Email       string `json:"email"`
	Path        string `json:"path"`
	SenderEmail string `json:"sender_email"`
}

type sendResponse struct {
	Destination string `json:"destination"`
	Path        string `json:"path"`
}

func (s *Server) startSend(c echo.Context) error {
	var req sendRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return NewBadParameterError("invalid request body", err)
	}
	if strings.TrimSpace(req.Path) == "" {
		return NewBadParameterError("path is required", nil)
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		return NewBadParameterError("path is not readable", err)
	}
	if info.IsDir() {
		return NewBadParameterError("path is a directory", nil)
	}

	destination := strings.TrimSpace(req.Destination)
	if destination == "" {
		email := strings.TrimSpace(req.Email)
		if email == "" {
			return NewBadParameterError("destination or email is required", nil)
		}
		device, ok := s.opts.Discovery.FindByEmail(email)
		if !ok {
			return NewNotFoundError("no device announces that email")
		}
		destination = device.IP
	}

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()
		result, err := s.opts.Transfers.SendFile(s.baseCtx, destination, req.Path, req.SenderEmail)
		if err != nil {
			level.Warn(s.logger).Log("msg", "send failed", "destination", destination, "transfer_id", result.TransferID, "err", err)
			return
		}
		level.Info(s.logger).Log("msg", "send finished", "destination", destination, "transfer_id", result.TransferID, "accepted", result.Accepted)
	}()

	return c.JSON(http.StatusAccepted, sendResponse{Destination: destination, Path: req.Path})
}

func (s *Server) acceptTransfer(c echo.Context) error {
	ok, err := s.opts.Transfers.AcceptTransfer(c.Param("id"))
	if err != nil {
		return fmt.Errorf("accept transfer: %w", err)
	}
	if !ok {
		return NewNotFoundError("no pending offer with that id")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) rejectTransfer(c echo.Context) error {
	if !s.opts.Transfers.RejectTransfer(c.Param("id")) {
		return NewNotFoundError("no pending offer with that id")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) cancelTransfer(c echo.Context) error {
	ok, err := s.opts.Transfers.CancelTransfer(c.Param("id"))
	if !ok {
		return NewConflictError("transfer is not streaming")
	}
	if err != nil {
		return fmt.Errorf("cancel transfer: %w", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listHistory(c echo.Context) error {
	if s.opts.History == nil {
		return c.JSON(http.StatusOK, []storage.TransferRecord{})
	}

	filter := storage.TransferFilter{
		Direction: models.Direction(c.QueryParam("direction")),
		State:     models.TransferState(c.QueryParam("state")),
	}
	switch filter.Direction {
	case "", models.DirectionSend, models.DirectionReceive:
	default:
		return NewBadParameterError("direction must be send or receive", nil)
	}
	if filter.State != "" && !filter.State.Terminal() {
		return NewBadParameterError("state must be a terminal state", nil)
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return NewBadParameterError("limit must be a non-negative integer", err)
		}
		filter.Limit = limit
	}

	records, err := s.opts.History.ListTransfers(filter)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) streamEvents(c echo.Context) error {
	messages, unsubscribe := s.opts.Hub.Subscribe()
	defer unsubscribe()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(res, ": connected\n\n"); err != nil {
		return nil
	}
	res.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.baseCtx.Done():
			return nil
		case msg := <-messages:
			data, err := json.Marshal(msg.Data)
			if err != nil {
				level.Warn(s.logger).Log("msg", "encode event failed", "event", msg.Event, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", msg.Event, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
