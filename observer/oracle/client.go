package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"golang.org/x/time/rate"

	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/log"
	"github.com/GPTx-global/xobserver/observer/types"
)

const (
	DefaultRequestTimeout = 10 * time.Second

	maxBodySize = 4 << 20
	userAgent   = "xobserver/1.0"
)

// StatusOracleClient reads observation records from the indexing chain.
// Implementations are safe for concurrent use.
type StatusOracleClient interface {
	// Fetch issues one request. A nil record with a nil error means the
	// record does not exist yet.
	Fetch(ctx context.Context, key types.ObservationKey) (*types.ObservationRecord, error)
	Probe(ctx context.Context) error
}

var (
	once       sync.Once
	httpClient *http.Client
)

func sharedClient() *http.Client {
	once.Do(func() {
		transport := new(http.Transport)
		transport.Proxy = http.ProxyFromEnvironment
		transport.MaxIdleConns = 1000
		transport.MaxIdleConnsPerHost = 100
		transport.IdleConnTimeout = 90 * time.Second
		transport.MaxConnsPerHost = 200
		transport.WriteBufferSize = 32 * 1024
		transport.ReadBufferSize = 32 * 1024

		httpClient = new(http.Client)
		httpClient.Transport = transport
	})

	return httpClient
}

type Config struct {
	Endpoint       string
	RequestTimeout time.Duration
	// RequestsPerSecond caps the aggregate query rate when positive.
	RequestsPerSecond float64
	Burst             int
	// HTTPClient replaces the shared tuned client.
	HTTPClient *http.Client
}

func ConfigFrom(cfg config.OracleConfig) Config {
	return Config{
		Endpoint:          cfg.RESTEndpoint,
		RequestTimeout:    cfg.RequestTimeout.Std(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}
}

// RESTClient talks to the indexing chain's REST gateway.
type RESTClient struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  log.Logger
}

var _ StatusOracleClient = (*RESTClient)(nil)

func NewRESTClient(cfg Config, logger log.Logger) (*RESTClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, types.ErrInvalidConfig.Wrapf("oracle endpoint: %v", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, types.ErrInvalidConfig.Wrapf("oracle endpoint %q is not an absolute URL", cfg.Endpoint)
	}

	c := &RESTClient{
		base:    base,
		http:    cfg.HTTPClient,
		timeout: cfg.RequestTimeout,
		logger:  logger.With("module", "oracle"),
	}
	if c.http == nil {
		c.http = sharedClient()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return c, nil
}

func (c *RESTClient) Fetch(ctx context.Context, key types.ObservationKey) (*types.ObservationRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var path string
	switch key.Kind {
	case types.KeyInbound:
		path = "/inTxRich/" + key.Value
	case types.KeyIndex:
		path = "/send/" + key.Value
	}

	start := time.Now()
	status, body, err := c.get(ctx, path)
	metrics.MeasureSinceWithLabels([]string{"oracle", "fetch"}, start, []metrics.Label{{Name: "kind", Value: key.Kind.String()}})
	if err != nil {
		c.logger.Debug("fetch failed", "key", key, "err", err)
		return nil, err
	}

	if status == http.StatusNotFound {
		if isNotFound(body) {
			return nil, nil
		}
		return nil, types.ErrTransport.Wrapf("GET %s: unexpected 404", path)
	}
	if status < 200 || status > 299 {
		return nil, types.ErrTransport.Wrapf("GET %s: unexpected status %d", path, status)
	}

	record, err := parseRecord(key, body)
	if err != nil {
		return nil, err
	}
	if record != nil {
		c.logger.Debug("fetched record", "key", key, "status", record.Status, "index", record.Index)
	}

	return record, nil
}

// Probe checks that the gateway answers on /receive.
func (c *RESTClient) Probe(ctx context.Context) error {
	status, _, err := c.get(ctx, "/receive")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return types.ErrTransport.Wrapf("GET /receive: status %d", status)
	}
	return nil
}

func (c *RESTClient) get(ctx context.Context, path string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, types.ErrTransport.Wrapf("rate limiter: %v", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.base.String() + path
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, types.ErrTransport.Wrapf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		metrics.IncrCounterWithLabels([]string{"oracle", "requests"}, 1, []metrics.Label{{Name: "result", Value: "error"}})
		return 0, nil, types.ErrTransport.Wrapf("GET %s: %v", path, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return 0, nil, types.ErrTransport.Wrapf("GET %s: failed to read response body: %v", path, err)
	}
	metrics.IncrCounterWithLabels([]string{"oracle", "requests"}, 1, []metrics.Label{{Name: "result", Value: fmt.Sprint(res.StatusCode)}})

	return res.StatusCode, body, nil
}
