// Package loki ships log entries to a Grafana Loki server.
package loki

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
)

// ErrUnexpectedStatusCode is returned when Loki answers a push with anything but 204.
var ErrUnexpectedStatusCode = errors.New("unexpected status code from Loki")

const (
	pushPath    = "/loki/api/v1/push"
	pushTimeout = 10 * time.Second
)

// Pusher batches lines and sends them to Loki from a single goroutine.
// Lines are dropped rather than blocking the caller when the queue is full.
type Pusher struct {
	cfg      config.Loki
	labels   map[string]string
	pushURL  string
	client   *http.Client
	lines    chan line
	batch    []line
	dropped  atomic.Int64
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewPusher starts a pusher. extraLabels are added to the configured labels.
func NewPusher(cfg config.Loki, extraLabels map[string]string) *Pusher {
	labels := make(map[string]string, len(cfg.Labels)+len(extraLabels))
	maps.Copy(labels, cfg.Labels)
	maps.Copy(labels, extraLabels)

	size := max(cfg.BatchMaxSize, 1)

	p := &Pusher{
		cfg:     cfg,
		labels:  labels,
		pushURL: cfg.URL + pushPath,
		client:  &http.Client{Timeout: pushTimeout},
		lines:   make(chan line, size*2),
		batch:   make([]line, 0, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go p.run()

	return p
}

// Dropped returns how many lines were discarded because the queue was full.
func (p *Pusher) Dropped() int64 {
	return p.dropped.Load()
}

// add queues one line stamped at ts.
func (p *Pusher) add(ts time.Time, text string) {
	select {
	case p.lines <- line{strconv.FormatInt(ts.UnixNano(), 10), text}:
	default:
		p.dropped.Add(1)
	}
}

// Stop sends what is queued and waits for the last push to finish.
func (p *Pusher) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		<-p.done
	})
}

func (p *Pusher) run() {
	defer close(p.done)

	wait := time.Duration(max(p.cfg.BatchMaxWaitMS, 1)) * time.Millisecond
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			p.drain()
			p.flush()
			return
		case l := <-p.lines:
			p.batch = append(p.batch, l)
			if len(p.batch) >= cap(p.batch) {
				p.flush()
			}
		case <-ticker.C:
			p.flush()
		}
	}
}

func (p *Pusher) drain() {
	for {
		select {
		case l := <-p.lines:
			p.batch = append(p.batch, l)
		default:
			return
		}
	}
}

func (p *Pusher) flush() {
	if len(p.batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	if err := p.send(ctx, p.batch); err != nil {
		slog.Error("Failed to push logs to Loki", slog.Int("lines", len(p.batch)), slog.Any("error", err))
	}

	p.batch = p.batch[:0]
}

func (p *Pusher) send(ctx context.Context, lines []line) error {
	body, err := sonic.Marshal(pushRequest{
		Streams: []stream{{Labels: p.labels, Values: lines}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode push request: %w", err)
	}

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return fmt.Errorf("failed to compress: %w", err)
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.pushURL, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatusCode, resp.StatusCode)
	}

	return nil
}
