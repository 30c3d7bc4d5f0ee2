package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"lanshare/api"
	"lanshare/config"
	"lanshare/discovery"
	"lanshare/storage"
	"lanshare/transfer"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.WithPrefix(logger, "ts", log.DefaultTimestampUTC)
	logger = log.WithPrefix(logger, "caller", log.DefaultCaller)

	if err := run(logger); err != nil {
		level.Error(logger).Log("msg", "startup failed", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)

	policy, err := transfer.ParseOfferPolicy(cfg.OfferPolicy)
	if err != nil {
		return err
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Email:           %s\n", cfg.Email)
	fmt.Printf("Discovery Port:  %d/udp\n", cfg.DiscoveryPort)
	fmt.Printf("Transfer Port:   %d/tcp\n", cfg.TransferPort)
	fmt.Printf("Receive Dir:     %s\n", cfg.ReceiveDir)
	fmt.Printf("Config File:     %s\n", cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			level.Warn(logger).Log("msg", "database close error", "err", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	if removed, err := store.PruneTransfers(time.Now().Add(-cfg.HistoryRetention())); err != nil {
		level.Warn(logger).Log("msg", "prune transfer history failed", "err", err)
	} else if removed > 0 {
		level.Info(logger).Log("msg", "pruned transfer history", "removed", removed)
	}

	transfers, err := transfer.New(transfer.Options{
		Port:         cfg.TransferPort,
		ReceiveDir:   cfg.ReceiveDir,
		OfferTimeout: cfg.OfferTimeout(),
		IdleTimeout:  cfg.IdleTimeout(),
		OfferPolicy:  policy,
		History:      store,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create transfer service: %w", err)
	}
	if err := transfers.StartServer(cfg.Email); err != nil {
		return fmt.Errorf("start transfer server: %w", err)
	}
	defer func() {
		if err := transfers.Close(); err != nil {
			level.Warn(logger).Log("msg", "transfer service close error", "err", err)
		}
	}()

	disc := discovery.New(discovery.Config{
		Port:          cfg.DiscoveryPort,
		AdvertiseMDNS: cfg.AdvertiseMDNS,
		TransferPort:  cfg.TransferPort,
		Logger:        logger,
	})
	if err := disc.Start(discovery.Identity{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		Email:      cfg.Email,
	}); err != nil {
		level.Error(logger).Log("msg", "discovery startup failed", "err", err)
	} else {
		defer disc.Stop()
		fmt.Println("Discovery:       running")
	}

	hub := api.NewHub()
	var cfgMu sync.Mutex
	server := api.NewServer(api.Options{
		Discovery: disc,
		Transfers: transfers,
		History:   store,
		Hub:       hub,
		Logger:    logger,
		OnIdentityChange: func(identity discovery.Identity) {
			cfgMu.Lock()
			defer cfgMu.Unlock()
			saved, err := config.Load(cfgPath)
			if err != nil {
				level.Warn(logger).Log("msg", "reload config for identity change failed", "err", err)
				return
			}
			saved.DeviceName = identity.DeviceName
			saved.Email = identity.Email
			if err := config.Save(cfgPath, saved); err != nil {
				level.Warn(logger).Log("msg", "persist identity failed", "err", err)
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		pumpEvents(pumpCtx, logger, hub, disc.Events(), transfers.Events())
	}()

	go func() {
		if err := server.Start(cfg.APIAddress); err != nil {
			level.Error(logger).Log("msg", "control API stopped", "err", err)
		}
	}()
	fmt.Printf("Control API:     http://%s/v1\n", cfg.APIAddress)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx, server, stopPump, &pumps); err != nil {
		level.Warn(logger).Log("msg", "control API shutdown error", "err", err)
	}
	return nil
}

// shutdown stops the control API while the event pump is still draining, so
// sends it cancels can deliver their final events, then stops the pump.
func shutdown(ctx context.Context, server *api.Server, stopPump context.CancelFunc, pumps *sync.WaitGroup) error {
	err := server.Shutdown(ctx)
	stopPump()
	pumps.Wait()
	return err
}

// pumpEvents logs service events and forwards them to API subscribers until ctx ends.
func pumpEvents(ctx context.Context, logger log.Logger, hub *api.Hub, devices <-chan discovery.Event, transfers <-chan transfer.Event) {
	logger = log.With(logger, "component", "events")
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-devices:
			switch event.Type {
			case discovery.EventDeviceFound, discovery.EventDeviceLost:
				level.Info(logger).Log("event", event.Type, "device_id", event.Device.DeviceID, "name", event.Device.DeviceName, "ip", event.Device.IP)
			}
			hub.PublishDiscovery(event)
		case event := <-transfers:
			if event.Type != transfer.EventTransferProgress {
				level.Info(logger).Log("event", event.Type, "transfer_id", event.Transfer.TransferID, "file", event.Transfer.FileName)
			}
			hub.PublishTransfer(event)
		}
	}
}
