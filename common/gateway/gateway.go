package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openrepo/editsync/common/cache"
	"github.com/openrepo/editsync/common/clients"
	"github.com/openrepo/editsync/common/jsonpatch"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/models"
)

const (
	// ContentTypeJSONPatch is the media type of RFC 6902 documents
	ContentTypeJSONPatch = "application/json-patch+json"

	maxResponseBytes = 4 << 20
)

// Result is the outcome of a successful Submit
type Result struct {
	NoOp     bool
	Status   int
	Resource *models.Resource
	Raw      []byte
}

// Options configures a Gateway
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	FetchRetries int
	Cache        cache.Cache
	CacheTTL     time.Duration
	// Distributed is consulted after the local guard; nil keeps locking process-local
	Distributed Locker
	// HTTPClient overrides the default client built from Timeout
	HTTPClient *http.Client
}

// Gateway turns patch operations into one PATCH request per submit and fetches
// resources. It keeps no state besides the in-flight guard and the snapshot cache.
type Gateway struct {
	baseURL     string
	http        *clients.HTTPClient
	local       *localLocks
	distributed Locker
	cache       cache.Cache
	cacheTTL    time.Duration
	retries     int
	log         *logger.Logger
}

// New creates a gateway for the backend at opts.BaseURL
func New(opts Options, log *logger.Logger) *Gateway {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Gateway{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		http:        clients.NewHTTPClient(hc, log),
		local:       newLocalLocks(),
		distributed: opts.Distributed,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		retries:     opts.FetchRetries,
		log:         log,
	}
}

// URL returns the absolute endpoint of a resource path such as /groups/<id>
func (g *Gateway) URL(resourcePath string) string {
	return g.baseURL + "/" + strings.TrimLeft(resourcePath, "/")
}

// Submit sends ops as a single PATCH to the resource. An empty list is a no-op
// that never touches the network. At most one submit per resource is in flight.
func (g *Gateway) Submit(ctx context.Context, resourcePath string, ops []models.Operation) (*Result, error) {
	if len(ops) == 0 {
		return &Result{NoOp: true}, nil
	}

	unlock, err := g.lock(ctx, resourcePath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	body, err := jsonpatch.Encode(ops)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}

	target := g.URL(resourcePath)
	log := g.log.WithResource(resourcePath)
	log.Info("submitting patch", "operations", len(ops))

	resp, err := g.http.Exchange(ctx, http.MethodPatch, target, bytes.NewReader(body), map[string]string{
		"Content-Type": ContentTypeJSONPatch,
		"Accept":       "application/json",
	}, maxResponseBytes)
	if err != nil {
		log.Warn("patch request failed", "error", err)
		return nil, &SubmitError{Kind: NetworkFailure, Method: http.MethodPatch, URL: target, Status: statusOf(resp), Err: err}
	}
	raw := resp.Body

	if !resp.OK() {
		log.Warn("patch rejected", "status", resp.StatusCode)
		return nil, &SubmitError{Kind: RemoteRejection, Method: http.MethodPatch, URL: target, Status: resp.StatusCode, Body: string(raw)}
	}

	result := &Result{Status: resp.StatusCode, Raw: raw}
	if len(bytes.TrimSpace(raw)) > 0 {
		var res models.Resource
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &SubmitError{Kind: NetworkFailure, Method: http.MethodPatch, URL: target, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		result.Resource = &res
		g.remember(ctx, resourcePath, raw)
	} else {
		g.forget(ctx, resourcePath)
	}

	log.Info("patch accepted", "status", resp.StatusCode)
	return result, nil
}

// Busy reports whether a submit for resourcePath is in flight in this process
func (g *Gateway) Busy(resourcePath string) bool {
	g.local.mu.Lock()
	defer g.local.mu.Unlock()
	_, busy := g.local.held[resourcePath]
	return busy
}

func (g *Gateway) lock(ctx context.Context, resourcePath string) (func(), error) {
	unlockLocal, ok, _ := g.local.TryLock(ctx, resourcePath)
	if !ok {
		return nil, fmt.Errorf("%s: %w", resourcePath, ErrConcurrentSubmit)
	}
	if g.distributed == nil {
		return unlockLocal, nil
	}

	unlockRemote, ok, err := g.distributed.TryLock(ctx, resourcePath)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	if !ok {
		unlockLocal()
		return nil, fmt.Errorf("%s: %w", resourcePath, ErrConcurrentSubmit)
	}
	return func() {
		unlockRemote()
		unlockLocal()
	}, nil
}

// Fetch retrieves a resource, retrying transport errors and 5xx responses with
// exponential backoff. When fresh is false a cached snapshot may be returned.
func (g *Gateway) Fetch(ctx context.Context, resourcePath string, fresh bool) (*models.Resource, []byte, error) {
	if !fresh && g.cache != nil {
		if raw, ok, err := g.cache.Get(ctx, resourcePath); err == nil && ok {
			var res models.Resource
			if err := json.Unmarshal(raw, &res); err == nil {
				return &res, raw, nil
			}
		}
	}

	target := g.URL(resourcePath)
	var raw []byte

	operation := func() error {
		resp, err := g.http.Exchange(ctx, http.MethodGet, target, nil, map[string]string{"Accept": "application/json"}, maxResponseBytes)
		if err != nil {
			return &SubmitError{Kind: NetworkFailure, Method: http.MethodGet, URL: target, Status: statusOf(resp), Err: err}
		}

		switch {
		case resp.StatusCode >= 500:
			return &SubmitError{Kind: RemoteRejection, Method: http.MethodGet, URL: target, Status: resp.StatusCode, Body: string(resp.Body)}
		case !resp.OK():
			return backoff.Permanent(&SubmitError{Kind: RemoteRejection, Method: http.MethodGet, URL: target, Status: resp.StatusCode, Body: string(resp.Body)})
		}
		raw = resp.Body
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(g.retries, 0))), ctx),
		func(err error, wait time.Duration) {
			g.log.Warn("fetch failed, retrying", "resource_url", resourcePath, "wait", wait, "error", err)
		},
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, nil, err
	}

	var res models.Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, nil, &SubmitError{Kind: NetworkFailure, Method: http.MethodGet, URL: target, Err: fmt.Errorf("decode resource: %w", err)}
	}

	g.remember(ctx, resourcePath, raw)
	return &res, raw, nil
}

func (g *Gateway) remember(ctx context.Context, resourcePath string, raw []byte) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, resourcePath, raw, g.cacheTTL); err != nil {
		g.log.Warn("cache set failed", "resource_url", resourcePath, "error", err)
	}
}

func (g *Gateway) forget(ctx context.Context, resourcePath string) {
	if g.cache == nil {
		return
	}
	_ = g.cache.Delete(ctx, resourcePath)
}

func statusOf(resp *clients.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
