package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Prober is a Monitor for daemon deployments without a platform connectivity
// API. It derives Connected by periodically issuing a HEAD request against a
// probe URL. Transport and Metered cannot be observed this way, so they are
// taken from the configured assumption.
type Prober struct {
	*Manual

	url      string
	interval time.Duration
	client   *http.Client
	assume   Status
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeInterval sets the polling interval. Default is 15 seconds.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) { p.interval = d }
}

// WithProbeClient sets a custom HTTP client for probe requests.
func WithProbeClient(cl *http.Client) ProberOption {
	return func(p *Prober) { p.client = cl }
}

// WithAssumedLink sets the transport and metered flag reported while the
// probe succeeds. Default is an unmetered unknown transport.
func WithAssumedLink(transport Transport, metered bool) ProberOption {
	return func(p *Prober) {
		p.assume.Transport = transport
		p.assume.Metered = metered
	}
}

// WithProbeLogger sets a custom logger.
func WithProbeLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = logger }
}

// NewProber creates a Prober polling the given URL. Call Start to begin
// probing; until then the status reports disconnected.
func NewProber(url string, opts ...ProberOption) *Prober {
	p := &Prober{
		Manual:   NewManual(Status{Connected: false, Transport: TransportUnknown}),
		url:      url,
		interval: 15 * time.Second,
		client:   &http.Client{Timeout: 5 * time.Second},
		assume:   Status{Transport: TransportUnknown, Metered: false},
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start launches the probe loop. It probes once immediately so callers get a
// status without waiting a full interval.
func (p *Prober) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probe(ctx)
			}
		}
	}()
}

func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Error("Failed to build probe request", "url", p.url, "error", err)
		return
	}

	resp, err := p.client.Do(req)
	connected := err == nil
	if resp != nil {
		resp.Body.Close()
	}

	status := Status{Connected: connected}
	if connected {
		status.Transport = p.assume.Transport
		status.Metered = p.assume.Metered
	} else {
		status.Transport = TransportUnknown
		p.logger.Debug("Connectivity probe failed", "url", p.url, "error", err)
	}

	p.Set(status)
}

// ProbeNow runs one probe synchronously, outside the polling loop. Useful
// for one-shot commands that cannot wait for the first tick.
func (p *Prober) ProbeNow(ctx context.Context) {
	p.probe(ctx)
}

// Close stops the probe loop and drops subscribers.
func (p *Prober) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return p.Manual.Close()
}
