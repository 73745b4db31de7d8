package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Prober interface {
	Probe(ctx context.Context) (State, error)
}

type ProberFunc func(ctx context.Context) (State, error)

func (f ProberFunc) Probe(ctx context.Context) (State, error) {
	return f(ctx)
}

// HTTPProbe treats any 2xx answer from URL as online.
type HTTPProbe struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPProbe(url, token string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{
		URL:    strings.TrimSpace(url),
		Token:  strings.TrimSpace(token),
		Client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProbe) Probe(ctx context.Context) (State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Offline, err
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Offline, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Offline, fmt.Errorf("probe %s: http %d", p.URL, resp.StatusCode)
	}
	return Online, nil
}

// Poll probes every interval until ctx is done. The monitor only flips after
// threshold consecutive observations that disagree with its current state.
func Poll(ctx context.Context, m *Monitor, prober Prober, interval time.Duration, threshold int, source string) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if threshold <= 0 {
		threshold = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	contrary := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		observed, err := prober.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Debug("connectivity probe failed", "source", source, "error", err)
			observed = Offline
		}
		if observed == m.Current() {
			contrary = 0
			continue
		}
		contrary++
		if contrary >= threshold {
			m.Report(observed, source)
			contrary = 0
		}
	}
}
