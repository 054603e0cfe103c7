package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/stakewatch/warden/pkg/log"
)

const (
	defaultInterval = 5 * time.Second

	// maxBuffered bounds lines held per process while the push
	// endpoint is unreachable. Oldest lines are dropped beyond it.
	maxBuffered = 10000
)

// Loki push API payload.
type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Labels map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Shipper uploads tailed log lines to one relay's Loki push endpoint.
// The HTTP client's transport dials through the relay tunnel, so
// shipping pauses while the tunnel is down and the buffer drains on
// reconnect.
type Shipper struct {
	url      string
	client   *http.Client
	interval time.Duration
	logger   zerolog.Logger

	tailers []*Tailer
	pending map[string][]Entry
}

// NewShipper creates a shipper for the relay reachable through client.
// files maps a process label to its log file path.
func NewShipper(relayHost, url string, files map[string]string, client *http.Client) *Shipper {
	s := &Shipper{
		url:      url,
		client:   client,
		interval: defaultInterval,
		logger:   log.WithRelay(relayHost),
		pending:  make(map[string][]Entry),
	}
	for process, path := range files {
		s.tailers = append(s.tailers, NewTailer(process, path))
	}
	return s
}

// Run polls and pushes until the context is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collect()
			if err := s.flush(ctx); err != nil {
				s.logger.Debug().Err(err).Msg("Log push deferred")
			}
		}
	}
}

func (s *Shipper) collect() {
	for _, tailer := range s.tailers {
		entries, err := tailer.Poll()
		if err != nil {
			s.logger.Warn().Err(err).Str("path", tailer.path).Msg("Log tail failed")
			continue
		}
		if len(entries) == 0 {
			continue
		}
		buf := append(s.pending[tailer.process], entries...)
		if excess := len(buf) - maxBuffered; excess > 0 {
			buf = buf[excess:]
		}
		s.pending[tailer.process] = buf
	}
}

func (s *Shipper) flush(ctx context.Context) error {
	var streams []stream
	for process, entries := range s.pending {
		if len(entries) == 0 {
			continue
		}
		values := make([][2]string, len(entries))
		for i, e := range entries {
			values[i] = [2]string{strconv.FormatInt(e.Time.UnixNano(), 10), e.Line}
		}
		streams = append(streams, stream{
			Labels: map[string]string{"job": "warden", "process": process},
			Values: values,
		})
	}
	if len(streams) == 0 {
		return nil
	}

	body, err := json.Marshal(pushRequest{Streams: streams})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push returned status %d", resp.StatusCode)
	}

	for process := range s.pending {
		delete(s.pending, process)
	}
	return nil
}
