package httpregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// ErrNotStarted is returned by Create before Startup.
var ErrNotStarted = errors.New("httpregistry: client not started")

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the registry server, e.g. "http://registry:7480".
	BaseURL string
	// Token, when set, supplies a bearer token for every request.
	Token func() (string, error)
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// ReplicaCredit feeds effective-age computation.
	ReplicaCredit time.Duration
	// Reconcile makes Registry.Startup push the local content list.
	Reconcile bool
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Client talks to a registry Server. It implements location.Factory.
type Client struct {
	opts       ClientOptions
	httpClient *http.Client
	logger     zerolog.Logger
	started    atomic.Bool
}

var _ location.Factory = (*Client)(nil)

// NewClient creates a registry client.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:       opts,
		httpClient: httpClient,
		logger:     opts.Logger.With().Str("component", "registry-client").Str("registry", opts.BaseURL).Logger(),
	}
}

// Startup checks that the registry is reachable.
func (c *Client) Startup(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+PathHealth, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry health check: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry health check: unexpected status %d", resp.StatusCode)
	}
	c.started.Store(true)
	c.logger.Info().Msg("Connected to registry")
	return nil
}

// Shutdown releases idle connections.
func (c *Client) Shutdown(ctx context.Context) error {
	c.started.Store(false)
	c.httpClient.CloseIdleConnections()
	return nil
}

// Create joins self to the registry and returns a registry bound to it.
func (c *Client) Create(ctx context.Context, self location.MachineLocation, local location.LocalContent) (location.Registry, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	if err := c.do(ctx, http.MethodPost, PathMachines, JoinRequest{Machine: self}, nil); err != nil {
		return nil, fmt.Errorf("join registry: %w", err)
	}
	r := &Registry{
		client: c,
		self:   self,
		local:  local,
		logger: c.logger.With().Str("machine", self.String()).Logger(),
	}
	r.calc = location.EvictionCalculator{Getter: r, ReplicaCredit: c.opts.ReplicaCredit, Now: c.opts.Now}
	return r, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Token != nil {
		token, err := c.opts.Token()
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var er ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, er.Message)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Registry is a location.Registry backed by a registry server.
type Registry struct {
	client *Client
	self   location.MachineLocation
	local  location.LocalContent
	calc   location.EvictionCalculator
	logger zerolog.Logger

	counters location.OpCounters
}

var (
	_ location.Registry        = (*Registry)(nil)
	_ location.EvictionOrderer = (*Registry)(nil)
	_ location.Invalidator     = (*Registry)(nil)
)

func (r *Registry) failed(err error) error {
	if err != nil {
		r.counters.Errors.Add(1)
	}
	return err
}

// Startup pushes the local content list when reconciliation is enabled.
func (r *Registry) Startup(ctx context.Context) error {
	if !r.client.opts.Reconcile || r.local == nil {
		return nil
	}
	held, err := r.local.ContentInfo(ctx)
	if err != nil {
		return fmt.Errorf("enumerate local content: %w", err)
	}
	req := ReconcileRequest{Machine: r.self, Content: make([]ReconcileEntry, len(held))}
	for i, c := range held {
		req.Content[i] = ReconcileEntry{Hash: c.Hash, Size: c.Size}
		if !c.LastAccess.IsZero() {
			req.Content[i].LastAccess = c.LastAccess.UnixNano()
		}
	}
	var resp ReconcileResponse
	if err := r.client.do(ctx, http.MethodPost, PathReconcile, req, &resp); err != nil {
		return r.failed(fmt.Errorf("reconcile: %w", err))
	}
	r.logger.Info().Int("held", len(held)).Int("added", resp.Added).Int("removed", resp.Removed).Msg("Reconciled local content")
	return nil
}

// Shutdown implements location.Registry.
func (r *Registry) Shutdown(ctx context.Context) error { return nil }

// Register implements location.Registry.
func (r *Registry) Register(ctx context.Context, entries []location.ContentHashWithSize, opts location.RegisterOptions) error {
	r.counters.Register.Add(1)
	var resp RegisterResponse
	err := r.client.do(ctx, http.MethodPost, PathRegister, RegisterRequest{
		Machine:      r.self,
		Entries:      entries,
		Touch:        opts.Touch,
		OnlyIfExists: opts.OnlyIfExists,
	}, &resp)
	if err != nil {
		return r.failed(fmt.Errorf("register: %w", err))
	}
	r.counters.RegisteredHashes.Add(int64(resp.Registered))
	r.counters.RegisterSkipped.Add(int64(len(entries) - resp.Registered))
	return nil
}

// Unregister implements location.Registry.
func (r *Registry) Unregister(ctx context.Context, hashes []hash.ContentHash, urgency location.Urgency) error {
	r.counters.Unregister.Add(1)
	r.counters.UnregisteredHashes.Add(int64(len(hashes)))
	err := r.client.do(ctx, http.MethodPost, PathUnregister, UnregisterRequest{Machine: r.self, Hashes: hashes, Urgency: urgency}, nil)
	if err != nil {
		return r.failed(fmt.Errorf("unregister: %w", err))
	}
	return nil
}

// Touch implements location.Registry.
func (r *Registry) Touch(ctx context.Context, entries []location.ContentHashWithSize) error {
	r.counters.Touch.Add(1)
	if err := r.client.do(ctx, http.MethodPost, PathTouch, TouchRequest{Machine: r.self, Entries: entries}, nil); err != nil {
		return r.failed(fmt.Errorf("touch: %w", err))
	}
	return nil
}

// GetBulk implements location.Registry. Both origins read the server.
func (r *Registry) GetBulk(ctx context.Context, hashes []hash.ContentHash, origin location.Origin) ([]location.ContentLocationEntry, error) {
	r.counters.GetBulk.Add(1)
	var resp GetResponse
	if err := r.client.do(ctx, http.MethodPost, PathGet, GetRequest{Hashes: hashes}, &resp); err != nil {
		return nil, r.failed(fmt.Errorf("get bulk: %w", err))
	}
	if len(resp.Entries) != len(hashes) {
		return nil, r.failed(fmt.Errorf("get bulk: expected %d entries, got %d", len(hashes), len(resp.Entries)))
	}
	return resp.Entries, nil
}

// DesignatedLocations implements location.Registry.
func (r *Registry) DesignatedLocations(ctx context.Context, h hash.ContentHash) ([]location.MachineLocation, error) {
	var resp DesignatedResponse
	if err := r.client.do(ctx, http.MethodGet, PathDesignated+"/"+h.String(), nil, &resp); err != nil {
		return nil, r.failed(fmt.Errorf("designated locations: %w", err))
	}
	return resp.Locations, nil
}

// ReportReputation implements location.Registry. The report is sent in the
// background; failures are logged.
func (r *Registry) ReportReputation(loc location.MachineLocation, rep location.Reputation) {
	r.counters.ReportReputation.Add(1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.client.do(ctx, http.MethodPost, PathReputation, ReputationRequest{Machine: loc, Reputation: rep}, nil); err != nil {
			r.counters.Errors.Add(1)
			r.logger.Warn().Err(err).Str("peer", loc.String()).Msg("Failed to report reputation")
		}
	}()
}

// Counters implements location.Registry.
func (r *Registry) Counters() map[string]int64 { return r.counters.Snapshot() }

// EffectiveLastAccessTimes implements location.EvictionOrderer.
func (r *Registry) EffectiveLastAccessTimes(ctx context.Context, entries []location.ContentHashWithLastAccess) ([]location.ContentEvictionInfo, error) {
	return r.calc.EffectiveLastAccessTimes(ctx, entries)
}

// EvictionOrder implements location.EvictionOrderer.
func (r *Registry) EvictionOrder(ctx context.Context, entries []location.ContentHashWithLastAccess, reverse bool) iter.Seq[location.ContentEvictionInfo] {
	return r.calc.EvictionOrder(ctx, entries, reverse)
}

// InvalidateLocalMachine implements location.Invalidator.
func (r *Registry) InvalidateLocalMachine(ctx context.Context) error {
	var resp InvalidateResponse
	if err := r.client.do(ctx, http.MethodPost, PathInvalidate, InvalidateRequest{Machine: r.self}, &resp); err != nil {
		return r.failed(fmt.Errorf("invalidate: %w", err))
	}
	r.logger.Info().Int("removed", resp.Removed).Msg("Invalidated local machine")
	return nil
}
