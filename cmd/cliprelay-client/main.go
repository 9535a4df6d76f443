// Command cliprelay-client runs one clipboard-sync client: an interactive
// setup wizard (unless a room code comes from --room-code or the saved
// config, or --background is given), the
// long-lived reconnecting session, and a line-oriented status printer
// (spec §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cliprelay/cliprelay/internal/clientsession"
	"github.com/cliprelay/cliprelay/internal/config"
	"github.com/cliprelay/cliprelay/internal/deviceid"
	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/wire"
	"github.com/cliprelay/cliprelay/internal/wizard"
)

// Exit codes (spec §6).
const (
	exitOK           = 0
	exitRuntimeInit  = 1
	exitInvalidInput = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		serverURL  string
		roomCode   string
		clientName string
		background bool
	)

	cmd := &cobra.Command{
		Use:   "cliprelay-client",
		Short: "Run a ClipRelay client session",
	}
	cmd.Flags().StringVar(&serverURL, "server-url", "", "relay WebSocket URL (ws:// or wss://)")
	cmd.Flags().StringVar(&roomCode, "room-code", "", "room code; bypasses interactive setup when set")
	cmd.Flags().StringVar(&clientName, "client-name", defaultDeviceName(), "device name shown to other devices")
	cmd.Flags().BoolVar(&background, "background", false, "suppress interactive prompts; use saved config or exit")

	exitCode := exitOK
	cmd.RunE = func(c *cobra.Command, args []string) error {
		exitCode = runClient(c.Context(), serverURL, roomCode, clientName, background)
		return nil
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return exitInvalidInput
	}
	return exitCode
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "ClipRelay Client"
}

func runClient(ctx context.Context, serverURL, roomCode, clientName string, background bool) int {
	logger := logging.NewLogger(envOr("RUST_LOG", "info"), "text")

	configDir := envOr("CLIPRELAY_CONFIG_DIR", defaultConfigDir())
	dataDir := envOr("CLIPRELAY_DATA_DIR", defaultDataDir())

	cfg, err := config.LoadClientConfig(configDir)
	if err != nil {
		cfg = &config.ClientConfig{}
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if roomCode != "" {
		cfg.RoomCode = roomCode
	}
	if clientName != "" {
		cfg.DeviceName = clientName
	}

	if cfg.RoomCode == "" {
		if background {
			logger.Info("no room code configured; exiting", logging.KeyComponent, "client")
			return exitOK
		}
		result, err := wizard.Run(cfg.DeviceName)
		if err != nil {
			fmt.Fprintln(os.Stderr, "setup cancelled:", err)
			return exitInvalidInput
		}
		cfg.RoomCode = result.RoomCode
		cfg.DeviceName = result.DeviceName
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		if background {
			return exitOK
		}
		return exitInvalidInput
	}

	if err := config.SaveClientConfig(configDir, cfg); err != nil {
		logger.Warn("failed to persist config", logging.KeyReason, err.Error())
	}

	deviceID, err := deviceid.LoadOrDerive(dataDir, hostOrFallback(), userOrFallback(), cfg.DeviceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to derive device id:", err)
		return exitRuntimeInit
	}

	handler := &printingHandler{}
	sess := clientsession.New(clientsession.Options{
		ServerURL:  cfg.ServerURL,
		RoomCode:   cfg.RoomCode,
		DeviceID:   deviceID,
		DeviceName: cfg.DeviceName,
		ConfigDir:  configDir,
		DataDir:    dataDir,
		Logger:     logger,
		Handler:    handler,
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess.Run(runCtx)
	return exitOK
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "."
	}
	return filepath.Join(dir, "cliprelay")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cliprelay")
	}
	dir, err := os.UserHomeDir()
	if err != nil || dir == "" {
		return "."
	}
	return filepath.Join(dir, ".local", "share", "cliprelay")
}

func hostOrFallback() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown-host"
}

func userOrFallback() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown-user"
}

// printingHandler implements clientsession.Handler with line-oriented status
// output (spec §7: "Status is always one of Starting, Connecting,
// Connected, Reconnecting…, Error: <message>").
type printingHandler struct{}

func (h *printingHandler) OnStatusChange(status clientsession.Status) {
	fmt.Println("status:", status)
}

func (h *printingHandler) OnRoomKeyReady(ready bool) {
	fmt.Println("room key ready:", ready)
}

func (h *printingHandler) OnPeers(peers []wire.PeerInfo) {
	fmt.Println("peers:", len(peers))
}

func (h *printingHandler) OnIncomingText(text, mime string) {
	fmt.Printf("received %s clipboard update (%s)\n", mime, humanize.Bytes(uint64(len(text))))
}

func (h *printingHandler) OnIncomingFile(path string, sizeBytes int64) {
	fmt.Printf("received file %s (%s)\n", path, humanize.Bytes(uint64(sizeBytes)))
}

func (h *printingHandler) OnRuntimeError(message string) {
	fmt.Println("status: Error:", message)
}

func (h *printingHandler) OnSendRejected(reason string) {
	fmt.Println("send rejected:", reason)
}
