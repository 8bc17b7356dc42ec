// Command relayhub-inbox polls a user's pending notifications and prints
// each new one as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relayhub/internal/hubclient"
	"github.com/agentworkforce/relayhub/internal/notify"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("RELAYHUB_BASE_URL", "http://127.0.0.1:8080"), "relayhub base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYHUB_TOKEN")), "bearer token")
	interval := flag.Duration("interval", durationEnv("RELAYHUB_INBOX_INTERVAL", 5*time.Second), "poll interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("RELAYHUB_INBOX_INTERVAL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("RELAYHUB_INBOX_TIMEOUT", 15*time.Second), "per-poll timeout")
	markRead := flag.Bool("mark-read", false, "mark each printed notification as read")
	once := flag.Bool("once", false, "poll once and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or RELAYHUB_TOKEN)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := hubclient.New(*baseURL, *token, &http.Client{Timeout: *timeout})
	inbox := newInboxPoller(client, os.Stdout, *markRead)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		printed, err := inbox.poll(ctx)
		if err != nil {
			log.Printf("inbox poll failed: %v", err)
			return
		}
		if printed > 0 {
			log.Printf("inbox poll printed %d notifications", printed)
		}
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("inbox poller stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

type inboxClient interface {
	Pending(ctx context.Context) ([]notify.Notification, error)
	MarkRead(ctx context.Context, notificationID string) error
}

// inboxPoller remembers what it printed so a notification left unread is
// printed once per process.
type inboxPoller struct {
	client   inboxClient
	out      *json.Encoder
	markRead bool
	seen     map[string]struct{}
}

func newInboxPoller(client inboxClient, out io.Writer, markRead bool) *inboxPoller {
	return &inboxPoller{
		client:   client,
		out:      json.NewEncoder(out),
		markRead: markRead,
		seen:     map[string]struct{}{},
	}
}

func (p *inboxPoller) poll(ctx context.Context) (int, error) {
	pending, err := p.client.Pending(ctx)
	if err != nil {
		return 0, err
	}
	printed := 0
	// Pending is newest first; print oldest first.
	for i := len(pending) - 1; i >= 0; i-- {
		n := pending[i]
		if _, ok := p.seen[n.ID]; ok {
			continue
		}
		if err := p.out.Encode(n); err != nil {
			return printed, err
		}
		p.seen[n.ID] = struct{}{}
		printed++
		if p.markRead {
			if err := p.client.MarkRead(ctx, n.ID); err != nil {
				log.Printf("mark read %s failed: %v", n.ID, err)
			}
		}
	}
	return printed, nil
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	return min(max(value, 0), 1)
}

// jitteredIntervalWithSample spreads base by up to ±jitterRatio using a
// sample in [0, 1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	return max(time.Duration(float64(base)*factor), time.Millisecond)
}
