// Command ghostmoto brings up one end of a point-to-point encrypted
// IP-over-UDP tunnel: flag parsing, one-shot wiring of the TUN device, UDP
// socket, AEAD, and the datapath activities (TX, RX, retransmit, heartbeat).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ghostmoto/config"
	"ghostmoto/crypto"
	"ghostmoto/dashboard"
	"ghostmoto/datapath"
	"ghostmoto/logging"
	"ghostmoto/telemetry"
	"ghostmoto/tundev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ghostmoto: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		confPath   = flag.String("config", "", "Path to JSON config file")
		bind       = flag.String("bind", "", "Local UDP bind address, host:port (required)")
		peer       = flag.String("peer", "", "Initial peer address, host:port (optional)")
		tunIP      = flag.String("tun-ip", "", "Virtual interface address, /24 (default 10.0.0.1)")
		keyHex     = flag.String("key", "", "Pre-shared key, 64 hex chars (default all-zero)")
		chaos      = flag.Bool("chaos", false, "Reserved; no effect in this build")
		window     = flag.Int("window", 0, "Max unacknowledged in-flight frames (default 50)")
		rtoMillis  = flag.Int("rto", 0, "Retransmission timeout in milliseconds (default 200)")
		maxRetries = flag.Int("max-retries", 0, "Retransmit attempts before a packet is evicted (default 20)")
		strictRoam = flag.Bool("strict-roam", false, "Defer peer roaming until after AEAD verification")
		logLevel   = flag.String("log-level", "", "Log level: debug/info/warn/error")
		logPath    = flag.String("log-path", "", "Optional rotating log file path")
		showDash   = flag.Bool("dashboard", false, "Render a live throughput/log summary instead of debug-logging telemetry")
	)
	flag.Parse()

	path := *confPath
	if path == "" {
		path = config.EnvOverridePath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	applyFlagOverrides(cfg, *bind, *peer, *tunIP, *keyHex, *logLevel, *logPath,
		*chaos, *window, *rtoMillis, *maxRetries, *strictRoam)

	if err := cfg.Finalize(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(&cfg.Log)
	defer logger.Sync()

	logger.Info("ghostmoto starting", zap.String("bind", cfg.Bind))

	key, err := cfg.Key()
	if err != nil {
		return fmt.Errorf("load session key: %w", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return fmt.Errorf("init aead: %w", err)
	}

	bindAddr, err := net.ResolveUDPAddr("udp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return fmt.Errorf("bind udp socket: %w", err)
	}
	defer conn.Close()

	var initialPeer *net.UDPAddr
	if cfg.Peer != "" {
		initialPeer, err = net.ResolveUDPAddr("udp", cfg.Peer)
		if err != nil {
			return fmt.Errorf("resolve peer address: %w", err)
		}
	}

	tap, err := tundev.Open("", 1280)
	if err != nil {
		return fmt.Errorf("open tun device: %w", err)
	}
	defer tap.Close()

	peerCell := datapath.NewPeerCell(initialPeer)
	bus := telemetry.NewBus(1024)

	dcfg := datapath.Config{
		Window:            cfg.Window,
		RTO:               msToDuration(cfg.RTOMillis),
		MaxRetries:        cfg.MaxRetries,
		StrictRoam:        cfg.StrictRoam,
		HeartbeatInterval: 5 * time.Second,
	}
	orch := datapath.New(tap, conn, sealer, peerCell, bus, logger, dcfg)

	if initialPeer != nil {
		orch.SendDecoy(initialPeer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("signal received, shutting down")
		cancel()
	}()

	// RunTX and RunRX block inside tap.Read/conn.ReadFromUDP and only notice
	// ctx between calls, so cancellation alone can leave them parked
	// forever with no further packets arriving. Closing the socket and tap
	// here unblocks both the moment shutdown is requested.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
		_ = tap.Close()
	}()

	if *showDash {
		dash := dashboard.New(os.Stdout)
		go dash.Consume(bus.Events())
		go dash.WatchQuit(os.Stdin)
		go func() {
			select {
			case <-dash.Done():
				logger.Info("dashboard quit requested, shutting down")
				cancel()
			case <-ctx.Done():
			}
		}()
	} else {
		go logTelemetry(ctx, logger, bus)
	}

	var wg sync.WaitGroup
	activities := []func(context.Context){orch.RunTX, orch.RunRX, orch.RunRetransmit, orch.RunHeartbeat}
	for _, activity := range activities {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(activity)
	}

	wg.Wait()
	logger.Info("ghostmoto shut down")
	return nil
}

func applyFlagOverrides(cfg *config.Tunnel, bind, peer, tunIP, keyHex, logLevel, logPath string, chaos bool, window, rtoMillis, maxRetries int, strictRoam bool) {
	if bind != "" {
		cfg.Bind = bind
	}
	if peer != "" {
		cfg.Peer = peer
	}
	if tunIP != "" {
		cfg.TunIP = tunIP
	}
	if keyHex != "" {
		cfg.KeyHex = keyHex
	}
	if chaos {
		cfg.Chaos = true
	}
	if window > 0 {
		cfg.Window = window
	}
	if rtoMillis > 0 {
		cfg.RTOMillis = rtoMillis
	}
	if maxRetries > 0 {
		cfg.MaxRetries = maxRetries
	}
	if strictRoam {
		cfg.StrictRoam = true
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logPath != "" {
		cfg.Log.Path = logPath
	}
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func logTelemetry(ctx context.Context, logger *zap.Logger, bus *telemetry.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-bus.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case telemetry.KindLog:
				logger.Debug(ev.Message)
			case telemetry.KindThroughput:
				// High-frequency; only worth logging at debug verbosity.
				logger.Debug("throughput", zap.Uint64("tx", ev.TxBytes), zap.Uint64("rx", ev.RxBytes))
			}
		}
	}
}
