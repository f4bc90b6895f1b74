// ABOUTME: Entry point for the claw-relay server
// ABOUTME: Bridges OpenClaw gateways to web chat clients over HTTP and WebSocket

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/openclaw/claw-relay/internal/api"
	"github.com/openclaw/claw-relay/internal/config"
	"github.com/openclaw/claw-relay/internal/devices"
	"github.com/openclaw/claw-relay/internal/gateway"
	"github.com/openclaw/claw-relay/internal/relay"
	"github.com/openclaw/claw-relay/internal/scanner"
	"github.com/openclaw/claw-relay/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _                          _
   ___| | __ ___      __    _ __ ___| | __ _ _   _
  / __| |/ _' \ \ /\ / /___| '__/ _ \ |/ _' | | | |
 | (__| | (_| |\ V  V /____| | |  __/ | (_| | |_| |
  \___|_|\__,_| \_/\_/     |_|  \___|_|\__,_|\__, |
                                             |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: claw-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the relay server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  scan     Scan the local subnet for gateways")
		fmt.Println("  health   Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "scan":
		err = runScan(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting claw-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	registry := gateway.NewRegistry(gateway.RegistryParams{
		Logger:            logger,
		RequestTimeout:    cfg.Gateway.RequestTimeout,
		MaxReconnectDelay: cfg.Gateway.ReconnectMaxDelay,
	})
	defer registry.StopAll()

	// Reconnect every stored gateway on boot.
	gateways, err := st.ListGateways(ctx)
	if err != nil {
		return fmt.Errorf("listing gateways: %w", err)
	}
	for _, gw := range gateways {
		registry.Add(gw.ID, gw.URL, gw.Token, gw.Password)
	}
	logger.Info("gateway links started", "count", len(gateways))

	poller := devices.NewPoller(devices.PollerParams{
		Store:      st,
		Logger:     logger,
		Interval:   cfg.Devices.PollInterval,
		SSHKeyFile: cfg.Devices.SSHKeyFile,
	})
	go poller.Run(ctx)

	rl := relay.New(relay.Params{
		Registry: registry,
		Store:    st,
		Logger:   logger,
	})

	server := api.New(api.Params{
		Store:    st,
		Registry: registry,
		Relay:    rl,
		Poller:   poller,
		Logger:   logger,
		Version:  version,
		ScanPort: cfg.Gateway.ScanPort,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: server.Router(cfg.CORS.Origins),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("relay ready", "http_addr", cfg.Server.HTTPAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

func runScan(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	subnet, err := scanner.LocalSubnet()
	if err != nil {
		return fmt.Errorf("detecting subnet: %w", err)
	}
	fmt.Printf("Scanning %s for gateways on port %d...\n", subnet, cfg.Gateway.ScanPort)

	found, err := scanner.Scan(ctx, subnet, cfg.Gateway.ScanPort, scanner.DefaultConcurrency, logger)
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}

	if len(found) == 0 {
		fmt.Println("No gateways found.")
		return nil
	}

	green := color.New(color.FgGreen)
	for _, d := range found {
		green.Print("  ✓ ")
		fmt.Println(d.URL)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("claw-relay configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultConfigPath := config.DefaultPath()
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "0.0.0.0:8000")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", "data/chat.db")

	fmt.Println("\n--- Device Monitoring ---")
	sshKeyFile := prompt(reader, "SSH key for device checks (leave empty to disable)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# claw-relay configuration\n")
	cfg.WriteString("# Generated by claw-relay init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("cors:\n")
	cfg.WriteString("  origins:\n")
	cfg.WriteString("    - \"http://localhost:3000\"\n")
	cfg.WriteString("    - \"http://localhost:5173\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("gateway:\n")
	cfg.WriteString("  scan_port: 18789\n")
	cfg.WriteString("  request_timeout: \"30s\"\n")
	cfg.WriteString("  reconnect_max_delay: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("devices:\n")
	cfg.WriteString("  poll_interval: \"60s\"\n")
	if sshKeyFile != "" {
		cfg.WriteString(fmt.Sprintf("  ssh_key_file: \"%s\"\n", sshKeyFile))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  claw-relay serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
