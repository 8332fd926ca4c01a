package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/dashsync/internal/api"
	"github.com/agentworkforce/dashsync/internal/dashsync"
)

func main() {
	_ = godotenv.Load()

	apiBaseURL := flag.String("api-url", envOrDefault("DASHSYNC_API_URL", "http://127.0.0.1:8000/api/v1"), "REST API base URL")
	pushBaseURL := flag.String("push-url", envOrDefault("DASHSYNC_PUSH_URL", "ws://127.0.0.1:8000"), "push endpoint base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("DASHSYNC_TOKEN")), "bearer token")
	admin := flag.Bool("admin", boolEnv("DASHSYNC_ADMIN", false), "use the admin request mirror")
	timeout := flag.Duration("timeout", durationEnv("DASHSYNC_TIMEOUT", 10*time.Second), "per-request timeout")
	batchTimeout := flag.Duration("batch-timeout", durationEnv("DASHSYNC_BATCH_TIMEOUT", 30*time.Second), "batch request timeout")
	reconnectAttempts := flag.Int("reconnect-attempts", intEnv("DASHSYNC_RECONNECT_ATTEMPTS", 5), "reconnect attempts before giving up")
	reconnectDelay := flag.Duration("reconnect-delay", durationEnv("DASHSYNC_RECONNECT_DELAY", time.Second), "base reconnect delay")
	statusFilter := flag.String("status", strings.TrimSpace(os.Getenv("DASHSYNC_STATUS")), "status filter (Queued, Processing, Completed, Failed)")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *admin && strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required in admin mode (--token or DASHSYNC_TOKEN)")
	}
	filter := api.Status(*statusFilter)
	if filter != "" && !filter.Valid() {
		log.Fatalf("invalid status filter %q", filter)
	}

	session, err := dashsync.NewSession(dashsync.Options{
		APIBaseURL:           *apiBaseURL,
		PushBaseURL:          *pushBaseURL,
		Admin:                *admin,
		Token:                strings.TrimSpace(*token),
		RequestTimeout:       *timeout,
		BatchTimeout:         *batchTimeout,
		MaxReconnectAttempts: *reconnectAttempts,
		ReconnectBaseDelay:   *reconnectDelay,
		OnConnStateChange: func(state dashsync.ConnState) {
			logger.Info("push connection state", "state", state)
		},
		OnNotice: func(msg string) {
			logger.Warn(msg)
		},
		OnAuthFailure: func() {
			logger.Error("authentication failed, token rejected")
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize session: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(rootCtx, *timeout)
	err = session.Start(startCtx)
	cancel()
	if err != nil {
		log.Fatalf("failed to start session: %v", err)
	}
	defer session.Close()

	if filter != "" {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		err = session.SetFilter(ctx, filter)
		cancel()
		if err != nil {
			log.Fatalf("failed to apply status filter: %v", err)
		}
	}

	printRows(session.Rows())
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	last := fingerprint(session.Rows())
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("dashwatch stopping", "reason", rootCtx.Err())
			return
		case <-ticker.C:
			rows := session.Rows()
			if fp := fingerprint(rows); fp != last {
				last = fp
				printRows(rows)
			}
		}
	}
}

func printRows(rows []api.RequestSummary) {
	fmt.Printf("-- %d requests --\n", len(rows))
	for _, row := range rows {
		line := fmt.Sprintf("#%d\t%s\t%s", row.ID, row.Status, row.UpdatedAt)
		if row.ErrorMessage != "" {
			line += "\t" + row.ErrorMessage
		}
		fmt.Println(line)
	}
}

func fingerprint(rows []api.RequestSummary) string {
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "%d:%s:%s;", row.ID, row.Status, row.UpdatedAt)
	}
	return b.String()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}
