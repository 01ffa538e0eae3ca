// ABOUTME: Directory implementation over the Nacos v1 Open API
// ABOUTME: Instance register/deregister/beat/list, config get and long-poll listener, optional login

package discovery

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/agent-gateway/internal/clock"
)

const (
	defaultContextPath     = "/nacos"
	defaultGroup           = "DEFAULT_GROUP"
	defaultLongPollTimeout = 30 * time.Second
	defaultWatchRetry      = 5 * time.Second

	// beat response code for an instance the server does not know
	codeResourceNotFound = 20404

	fieldSep = "\x02"
	lineSep  = "\x01"
)

// NacosConfig configures NacosClient.
type NacosConfig struct {
	// ServerAddr is host:port, or a full base URL.
	ServerAddr  string
	Namespace   string
	Group       string
	ContextPath string
	Username    string
	Password    string

	// LongPollTimeout is the server-side hold time of a config listener.
	LongPollTimeout time.Duration
	// WatchRetry is the pause after a failed listener or fetch request.
	WatchRetry time.Duration

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// NacosClient talks to one Nacos server.
type NacosClient struct {
	base        string
	namespace   string
	group       string
	username    string
	password    string
	pollTimeout time.Duration
	watchRetry  time.Duration
	http        *http.Client
	clock       clock.Clock
	logger      *slog.Logger

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ Directory = (*NacosClient)(nil)

// NewNacosClient validates cfg.
func NewNacosClient(cfg NacosConfig) (*NacosClient, error) {
	if cfg.ServerAddr == "" {
		return nil, errors.New("discovery: server address is required")
	}
	base := cfg.ServerAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("discovery: invalid server address %q", cfg.ServerAddr)
	}
	ctxPath := cfg.ContextPath
	if ctxPath == "" {
		ctxPath = defaultContextPath
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = ctxPath
	}

	c := &NacosClient{
		base:        strings.TrimRight(u.String(), "/"),
		namespace:   cfg.Namespace,
		group:       cfg.Group,
		username:    cfg.Username,
		password:    cfg.Password,
		pollTimeout: cfg.LongPollTimeout,
		watchRetry:  cfg.WatchRetry,
		http:        cfg.HTTPClient,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if c.group == "" {
		c.group = defaultGroup
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = defaultLongPollTimeout
	}
	if c.watchRetry <= 0 {
		c.watchRetry = defaultWatchRetry
	}
	if c.http == nil {
		// long polls hold the request open for pollTimeout
		c.http = &http.Client{Timeout: c.pollTimeout + 10*time.Second}
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "discovery", "server", c.base)
	return c, nil
}

// public is the implicit default namespace; Nacos expects it omitted.
func (c *NacosClient) namespaceID() string {
	if c.namespace == "public" {
		return ""
	}
	return c.namespace
}

func (c *NacosClient) instanceParams(inst Instance) url.Values {
	v := url.Values{}
	v.Set("serviceName", inst.ServiceName)
	v.Set("groupName", c.group)
	v.Set("ip", inst.IP)
	v.Set("port", strconv.Itoa(inst.Port))
	v.Set("clusterName", inst.Cluster)
	v.Set("ephemeral", strconv.FormatBool(inst.Ephemeral))
	if ns := c.namespaceID(); ns != "" {
		v.Set("namespaceId", ns)
	}
	return v
}

// Register adds inst to its service.
func (c *NacosClient) Register(ctx context.Context, inst Instance) error {
	v := c.instanceParams(inst)
	v.Set("weight", strconv.FormatFloat(inst.Weight, 'f', -1, 64))
	v.Set("healthy", strconv.FormatBool(inst.Healthy))
	v.Set("enabled", "true")
	if len(inst.Metadata) > 0 {
		md, err := json.Marshal(inst.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		v.Set("metadata", string(md))
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/ns/instance", v, nil); err != nil {
		return fmt.Errorf("registering %s at %s: %w", inst.ServiceName, inst.Addr(), err)
	}
	c.logger.Info("instance registered", "service", inst.ServiceName, "addr", inst.Addr())
	return nil
}

// Deregister removes inst.
func (c *NacosClient) Deregister(ctx context.Context, inst Instance) error {
	if _, err := c.do(ctx, http.MethodDelete, "/v1/ns/instance", c.instanceParams(inst), nil); err != nil {
		return fmt.Errorf("deregistering %s at %s: %w", inst.ServiceName, inst.Addr(), err)
	}
	c.logger.Info("instance deregistered", "service", inst.ServiceName, "addr", inst.Addr())
	return nil
}

type beatInfo struct {
	ServiceName string            `json:"serviceName"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Cluster     string            `json:"cluster"`
	Weight      float64           `json:"weight"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Scheduled   bool              `json:"scheduled"`
	Period      int64             `json:"period"`
}

type beatResponse struct {
	Code               int   `json:"code"`
	ClientBeatInterval int64 `json:"clientBeatInterval"`
}

// Heartbeat renews an ephemeral instance.
func (c *NacosClient) Heartbeat(ctx context.Context, inst Instance) error {
	beat, err := json.Marshal(beatInfo{
		ServiceName: c.group + "@@" + inst.ServiceName,
		IP:          inst.IP,
		Port:        inst.Port,
		Cluster:     inst.Cluster,
		Weight:      inst.Weight,
		Metadata:    inst.Metadata,
		Scheduled:   true,
		Period:      inst.HeartbeatInterval.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("encoding beat: %w", err)
	}
	v := c.instanceParams(inst)
	v.Set("beat", string(beat))

	body, err := c.do(ctx, http.MethodPut, "/v1/ns/instance/beat", v, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return ErrInstanceNotFound
		}
		return fmt.Errorf("heartbeat for %s: %w", inst.ServiceName, err)
	}
	var resp beatResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Code == codeResourceNotFound {
		return ErrInstanceNotFound
	}
	return nil
}

type instanceList struct {
	Hosts []struct {
		IP          string            `json:"ip"`
		Port        int               `json:"port"`
		Weight      float64           `json:"weight"`
		Healthy     bool              `json:"healthy"`
		Enabled     bool              `json:"enabled"`
		Ephemeral   bool              `json:"ephemeral"`
		ClusterName string            `json:"clusterName"`
		ServiceName string            `json:"serviceName"`
		Metadata    map[string]string `json:"metadata"`
	} `json:"hosts"`
}

// Resolve lists healthy, enabled instances of service.
func (c *NacosClient) Resolve(ctx context.Context, service string) ([]Instance, error) {
	v := url.Values{}
	v.Set("serviceName", service)
	v.Set("groupName", c.group)
	v.Set("healthyOnly", "true")
	if ns := c.namespaceID(); ns != "" {
		v.Set("namespaceId", ns)
	}
	body, err := c.do(ctx, http.MethodGet, "/v1/ns/instance/list", v, nil)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", service, err)
	}
	var list instanceList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decoding instance list: %w", err)
	}

	out := make([]Instance, 0, len(list.Hosts))
	for _, h := range list.Hosts {
		if !h.Enabled || !h.Healthy {
			continue
		}
		out = append(out, Instance{
			ServiceName: service,
			IP:          h.IP,
			Port:        h.Port,
			Cluster:     h.ClusterName,
			Weight:      h.Weight,
			Healthy:     h.Healthy,
			Ephemeral:   h.Ephemeral,
			Metadata:    h.Metadata,
		})
	}
	return out, nil
}

func (c *NacosClient) configParams(key ConfigKey) url.Values {
	v := url.Values{}
	v.Set("dataId", key.DataID)
	v.Set("group", c.groupOf(key))
	if ns := c.namespaceID(); ns != "" {
		v.Set("tenant", ns)
	}
	return v
}

func (c *NacosClient) groupOf(key ConfigKey) string {
	if key.Group != "" {
		return key.Group
	}
	return c.group
}

// GetConfig fetches a configuration document.
func (c *NacosClient) GetConfig(ctx context.Context, key ConfigKey) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/cs/configs", c.configParams(key), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return "", ErrConfigNotFound
		}
		return "", fmt.Errorf("getting config %s: %w", key, err)
	}
	return string(body), nil
}

// WatchConfig long-polls the config listener and calls fn with each new
// version of the document. Failed polls are retried after WatchRetry.
func (c *NacosClient) WatchConfig(ctx context.Context, key ConfigKey, fn func(content string)) error {
	content, err := c.GetConfig(ctx, key)
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		c.logger.Warn("initial config fetch failed", "key", key.String(), "error", err)
	}
	sum := contentMD5(content)
	logger := c.logger.With("key", key.String())
	logger.Debug("watching config")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		changed, err := c.listen(ctx, key, sum)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("config listener failed", "error", err)
			if err := c.pause(ctx); err != nil {
				return err
			}
			continue
		}
		if !changed {
			continue
		}

		content, err = c.GetConfig(ctx, key)
		if errors.Is(err, ErrConfigNotFound) {
			content, err = "", nil
		}
		if err != nil {
			// the md5 is stale, so the next listen would return at once
			logger.Warn("fetching changed config failed", "error", err)
			if err := c.pause(ctx); err != nil {
				return err
			}
			continue
		}
		newSum := contentMD5(content)
		if newSum == sum {
			continue
		}
		sum = newSum
		logger.Info("config changed", "md5", sum)
		fn(content)
	}
}

// pause waits WatchRetry before the next poll.
func (c *NacosClient) pause(ctx context.Context) error {
	select {
	case <-c.clock.After(c.watchRetry):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// listen blocks until the server reports a change or the poll times out.
func (c *NacosClient) listen(ctx context.Context, key ConfigKey, sum string) (bool, error) {
	fields := []string{key.DataID, c.groupOf(key), sum}
	if ns := c.namespaceID(); ns != "" {
		fields = append(fields, ns)
	}
	form := url.Values{}
	form.Set("Listening-Configs", strings.Join(fields, fieldSep)+lineSep)

	header := http.Header{}
	header.Set("Long-Pulling-Timeout", strconv.FormatInt(c.pollTimeout.Milliseconds(), 10))
	body, err := c.do(ctx, http.MethodPost, "/v1/cs/configs/listener", nil, &request{form: form, header: header})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(body)) != "", nil
}

func contentMD5(s string) string {
	if s == "" {
		return ""
	}
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type request struct {
	form   url.Values
	header http.Header
}

func (c *NacosClient) do(ctx context.Context, method, path string, query url.Values, extra *request) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		query.Set("accessToken", token)
	}

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if extra != nil && extra.form != nil {
		body = strings.NewReader(extra.form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if extra != nil {
		for k, vs := range extra.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
	TokenTTL    int64  `json:"tokenTtl"`
}

// accessToken logs in when credentials are configured and caches the token
// until shortly before it expires.
func (c *NacosClient) accessToken(ctx context.Context) (string, error) {
	if c.username == "" {
		return "", nil
	}
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && c.clock.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Method: http.MethodPost, Path: "/v1/auth/login", Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("decoding login response: %w", err)
	}
	ttl := time.Duration(lr.TokenTTL) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c.token = lr.AccessToken
	// renew a little early
	c.tokenExpiry = c.clock.Now().Add(ttl * 9 / 10)
	return c.token, nil
}
