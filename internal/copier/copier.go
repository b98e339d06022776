// Package copier moves content between fleet machines over the peer HTTP
// API: proactive pushes to designated locations, pulls into the local store,
// and delete propagation.
package copier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

const (
	defaultRecentSize = 4096
	defaultRecentTTL  = 10 * time.Minute
	pushChunk         = 64 << 10
)

// ErrNoSource is returned by CopyToLocal when no location could serve the
// content.
var ErrNoSource = errors.New("copier: no location could provide content")

// Reason says why a proactive copy was requested.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPut
	ReasonReplication
)

func (r Reason) String() string {
	switch r {
	case ReasonPut:
		return "put"
	case ReasonReplication:
		return "replication"
	default:
		return "none"
	}
}

// Status classifies a proactive copy.
type Status int

const (
	StatusSuccess Status = iota
	StatusSkipped
	StatusRejected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	case StatusRejected:
		return "rejected"
	default:
		return "error"
	}
}

// CopyResult is the outcome of one proactive copy.
type CopyResult struct {
	Status Status
	Target location.MachineLocation
	Bytes  int64
	Err    error
}

// Host is what the copier needs from the machine it runs on.
type Host interface {
	LocalMachine() location.MachineLocation
	DesignatedLocations(ctx context.Context, h hash.ContentHash) ([]location.MachineLocation, error)
	Locations(ctx context.Context, h hash.ContentHash) ([]location.MachineLocation, error)
	ReportReputation(loc location.MachineLocation, rep location.Reputation)
	OpenLocal(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error)
	PutLocal(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) error
}

// Options configures a Copier.
type Options struct {
	// WorkingDirectory holds in-flight downloads. It is removed by the
	// owner on shutdown.
	WorkingDirectory string
	// Peers are machines eligible as ring targets.
	Peers []location.MachineLocation
	// PushBytesPerSecond limits outbound push bandwidth. Zero disables the
	// limit.
	PushBytesPerSecond int64
	// RecentSize and RecentTTL bound the set of recently pushed hashes.
	RecentSize int
	RecentTTL  time.Duration
	// Token, when set, supplies a bearer token for peer requests.
	Token      func() (string, error)
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Copier implements proactive copies, pulls and delete fan-out.
type Copier struct {
	host       Host
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	recent     *expirable.LRU[hash.ContentHash, location.MachineLocation]
	logger     zerolog.Logger
}

// New creates a copier for host.
func New(host Host, opts Options) *Copier {
	if opts.RecentSize <= 0 {
		opts.RecentSize = defaultRecentSize
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = defaultRecentTTL
	}
	if opts.WorkingDirectory == "" {
		opts.WorkingDirectory = os.TempDir()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	c := &Copier{
		host:       host,
		opts:       opts,
		httpClient: httpClient,
		recent:     expirable.NewLRU[hash.ContentHash, location.MachineLocation](opts.RecentSize, nil, opts.RecentTTL),
		logger:     opts.Logger.With().Str("component", "copier").Logger(),
	}
	if opts.PushBytesPerSecond > 0 {
		burst := int(max(opts.PushBytesPerSecond, pushChunk))
		c.limiter = rate.NewLimiter(rate.Limit(opts.PushBytesPerSecond), burst)
	}
	return c
}

func (c *Copier) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())
	req.Header.Set(HeaderOrigin, c.host.LocalMachine().String())
	if c.opts.Token != nil {
		token, err := c.opts.Token()
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// statusError reads an error body into an error.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Message != "" {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, er.Message)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// reputationFor maps a transport failure to a reputation.
func reputationFor(err error) location.Reputation {
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return location.ReputationTimeout
	}
	return location.ReputationBad
}

// targets returns designated locations that are neither this machine nor
// already holding h. With tryBuildRing, peers from the ring are appended.
func (c *Copier) targets(ctx context.Context, h hash.ContentHash, tryBuildRing bool) (push, ring []location.MachineLocation, err error) {
	designated, err := c.host.DesignatedLocations(ctx, h)
	if err != nil {
		return nil, nil, fmt.Errorf("designated locations: %w", err)
	}
	holders, err := c.host.Locations(ctx, h)
	if err != nil {
		return nil, nil, fmt.Errorf("content locations: %w", err)
	}
	self := c.host.LocalMachine()
	skip := func(m location.MachineLocation) bool {
		return m == self || slices.Contains(holders, m)
	}

	for _, m := range designated {
		if !skip(m) {
			push = append(push, m)
		}
	}
	if tryBuildRing {
		for _, m := range c.opts.Peers {
			if !skip(m) && !slices.Contains(push, m) {
				ring = append(ring, m)
			}
		}
		rand.Shuffle(len(ring), func(i, j int) { ring[i], ring[j] = ring[j], ring[i] })
	}
	return push, ring, nil
}

// ProactiveCopy pushes h to the first eligible designated location. With
// tryBuildRing and no designated target, a ring peer is asked to pull the
// content instead.
func (c *Copier) ProactiveCopy(ctx context.Context, h hash.ContentHash, reason Reason, tryBuildRing bool) CopyResult {
	if target, ok := c.recent.Get(h); ok {
		return CopyResult{Status: StatusSkipped, Target: target}
	}

	push, ring, err := c.targets(ctx, h, tryBuildRing)
	if err != nil {
		return CopyResult{Status: StatusError, Err: err}
	}

	logger := c.logger.With().Str("hash", h.Short()).Str("reason", reason.String()).Logger()
	switch {
	case len(push) > 0:
		res := c.push(ctx, push[0], h)
		logger.Debug().Str("target", push[0].String()).Str("status", res.Status.String()).Err(res.Err).Msg("Proactive push")
		return res
	case len(ring) > 0:
		res := c.requestCopy(ctx, ring[0], h)
		logger.Debug().Str("target", ring[0].String()).Str("status", res.Status.String()).Err(res.Err).Msg("Ring copy request")
		return res
	default:
		return CopyResult{Status: StatusSkipped}
	}
}

func (c *Copier) push(ctx context.Context, target location.MachineLocation, h hash.ContentHash) CopyResult {
	rc, size, err := c.host.OpenLocal(ctx, h)
	if err != nil {
		return CopyResult{Status: StatusError, Target: target, Err: fmt.Errorf("open local content: %w", err)}
	}
	defer func() { _ = rc.Close() }()

	accepted, reason, err := c.canAccept(ctx, target, h, size)
	if err != nil {
		c.host.ReportReputation(target, reputationFor(err))
		return CopyResult{Status: StatusError, Target: target, Err: err}
	}
	if !accepted {
		return CopyResult{Status: StatusRejected, Target: target, Err: fmt.Errorf("peer rejected content: %s", reason)}
	}

	var body io.Reader = rc
	if c.limiter != nil {
		body = &limitedReader{ctx: ctx, r: rc, limiter: c.limiter}
	}
	req, err := c.newRequest(ctx, http.MethodPut, ContentURL(target, h), body)
	if err != nil {
		return CopyResult{Status: StatusError, Target: target, Err: err}
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.host.ReportReputation(target, reputationFor(err))
		return CopyResult{Status: StatusError, Target: target, Err: fmt.Errorf("push content: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		c.recent.Add(h, target)
		c.host.ReportReputation(target, location.ReputationGood)
		return CopyResult{Status: StatusSuccess, Target: target, Bytes: size}
	case http.StatusConflict, http.StatusInsufficientStorage:
		return CopyResult{Status: StatusRejected, Target: target, Err: statusError(resp)}
	default:
		c.host.ReportReputation(target, location.ReputationBad)
		return CopyResult{Status: StatusError, Target: target, Err: statusError(resp)}
	}
}

func (c *Copier) canAccept(ctx context.Context, target location.MachineLocation, h hash.ContentHash, size int64) (bool, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, AcceptURL(target, h, size), nil)
	if err != nil {
		return false, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("admission check: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("admission check: %w", statusError(resp))
	}
	var ar AcceptResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return false, "", fmt.Errorf("decode admission response: %w", err)
	}
	return ar.Accepted, ar.Reason, nil
}

// requestCopy asks target to pull h from the fleet.
func (c *Copier) requestCopy(ctx context.Context, target location.MachineLocation, h hash.ContentHash) CopyResult {
	req, err := c.newRequest(ctx, http.MethodPost, CopyURL(target, h), nil)
	if err != nil {
		return CopyResult{Status: StatusError, Target: target, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.host.ReportReputation(target, reputationFor(err))
		return CopyResult{Status: StatusError, Target: target, Err: fmt.Errorf("copy request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		c.recent.Add(h, target)
		return CopyResult{Status: StatusSuccess, Target: target}
	case http.StatusConflict, http.StatusInsufficientStorage:
		return CopyResult{Status: StatusRejected, Target: target, Err: statusError(resp)}
	default:
		return CopyResult{Status: StatusError, Target: target, Err: statusError(resp)}
	}
}

// CopyToLocal pulls h from the first location that serves it and puts it
// into the local store. It returns the content size.
func (c *Copier) CopyToLocal(ctx context.Context, h hash.ContentHash, locations []location.MachineLocation) (int64, error) {
	self := c.host.LocalMachine()
	var lastErr error
	for _, loc := range locations {
		if loc == self {
			continue
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		size, err := c.pull(ctx, loc, h)
		if err == nil {
			c.logger.Debug().Str("hash", h.Short()).Str("source", loc.String()).Int64("size", size).Msg("Copied content to local store")
			return size, nil
		}
		lastErr = err
		c.logger.Debug().Err(err).Str("hash", h.Short()).Str("source", loc.String()).Msg("Pull failed, trying next location")
	}
	if lastErr == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoSource, h.Short())
	}
	return 0, fmt.Errorf("%w: %s: %w", ErrNoSource, h.Short(), lastErr)
}

func (c *Copier) pull(ctx context.Context, source location.MachineLocation, h hash.ContentHash) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, ContentURL(source, h), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.host.ReportReputation(source, reputationFor(err))
		return 0, fmt.Errorf("fetch content: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.host.ReportReputation(source, location.ReputationMissing)
		return 0, fmt.Errorf("fetch content: %w", statusError(resp))
	default:
		c.host.ReportReputation(source, location.ReputationBad)
		return 0, fmt.Errorf("fetch content: %w", statusError(resp))
	}

	if err := os.MkdirAll(c.opts.WorkingDirectory, 0755); err != nil {
		return 0, fmt.Errorf("create working dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.opts.WorkingDirectory, "pull-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		c.host.ReportReputation(source, reputationFor(err))
		return 0, fmt.Errorf("download content: %w", err)
	}
	if resp.ContentLength >= 0 && size != resp.ContentLength {
		return 0, fmt.Errorf("download content: expected %d bytes, got %d", resp.ContentLength, size)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind temp file: %w", err)
	}
	if err := c.host.PutLocal(ctx, h, tmp, size); err != nil {
		return 0, fmt.Errorf("put local: %w", err)
	}
	c.host.ReportReputation(source, location.ReputationGood)
	return size, nil
}

// DeleteResult reports per-location outcomes of a delete fan-out.
type DeleteResult struct {
	Deleted []location.MachineLocation
	Failed  map[location.MachineLocation]error
}

// Delete asks every location except this machine to delete h locally. All
// locations are attempted; the first failure is returned.
func (c *Copier) Delete(ctx context.Context, h hash.ContentHash, locations []location.MachineLocation) (DeleteResult, error) {
	self := c.host.LocalMachine()
	targets := make([]location.MachineLocation, 0, len(locations))
	for _, loc := range locations {
		if loc != self {
			targets = append(targets, loc)
		}
	}
	res := DeleteResult{Failed: make(map[location.MachineLocation]error)}
	if len(targets) == 0 {
		return res, nil
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(8)
	for i, loc := range targets {
		g.Go(func() error {
			errs[i] = c.deleteAt(ctx, loc, h)
			return errs[i]
		})
	}
	firstErr := g.Wait()

	for i, loc := range targets {
		if errs[i] != nil {
			res.Failed[loc] = errs[i]
		} else {
			res.Deleted = append(res.Deleted, loc)
		}
	}
	if firstErr != nil {
		c.logger.Warn().Err(firstErr).Str("hash", h.Short()).Int("failed", len(res.Failed)).Msg("Delete propagation incomplete")
	}
	return res, firstErr
}

func (c *Copier) deleteAt(ctx context.Context, loc location.MachineLocation, h hash.ContentHash) error {
	req, err := c.newRequest(ctx, http.MethodDelete, ContentURL(loc, h)+"?local_only=true", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.host.ReportReputation(loc, reputationFor(err))
		return fmt.Errorf("delete at %s: %w", loc, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete at %s: %w", loc, statusError(resp))
	}
	return nil
}

// limitedReader paces reads through a token bucket.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if len(p) > pushChunk {
		p = p[:pushChunk]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
