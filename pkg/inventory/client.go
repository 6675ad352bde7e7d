// Package inventory talks JSON-RPC to the monitoring inventory.
package inventory

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"agent-provisioner/pkg/config"
	"agent-provisioner/pkg/errutil"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errNoCredentials = errutil.BadRequest("inventory auth missing: set a token or user and password", nil)

type Version struct {
	Major int
	Minor int
}

// ParseVersion reads "major.minor"; anything unparsable is treated as 6.0.
func ParseVersion(raw string) Version {
	parts := strings.SplitN(strings.TrimSpace(raw), ".", 3)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{Major: 6}
	}
	v := Version{Major: major}
	if len(parts) > 1 {
		if minor, err := strconv.Atoi(parts[1]); err == nil {
			v.Minor = minor
		}
	}
	return v
}

func (v Version) AtLeast(major, minor int) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

type Client struct {
	http    *http.Client
	url     string
	version Version
	tokens  *TokenHolder
	limiter *rate.Limiter
	nextID  atomic.Int64
}

func NewClient(cfg *config.Config) *Client {
	inv := cfg.Inventory
	c := &Client{
		http: &http.Client{
			Timeout: inv.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: inv.InsecureSkipVerify},
			},
		},
		url:     inv.URL,
		version: ParseVersion(inv.Version),
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if inv.RateLimit > 0 {
		burst := inv.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(inv.RateLimit), burst)
	}

	var login LoginFunc
	if inv.User != "" && inv.Password != "" {
		user, password := inv.User, inv.Password
		login = func(ctx context.Context) (string, error) { return c.login(ctx, user, password) }
	}
	c.tokens = NewTokenHolder(inv.Token, login)
	return c
}

func (c *Client) URL() string { return c.url }

func (c *Client) MajorVersion() int { return c.version.Major }

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
	Auth    string `json:"auth,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes method and decodes the result into out. A call rejected for an
// expired session token is retried once with a fresh login.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	for attempt := 0; ; attempt++ {
		token, fromLogin, err := c.tokens.Get(ctx)
		if err != nil {
			return err
		}

		err = c.do(ctx, method, params, token, out)
		rpcErr, ok := asRPCError(err)
		if !ok || !rpcErr.expiredSession() {
			return err
		}

		c.tokens.Invalidate(token)
		if !fromLogin || attempt > 0 {
			return errutil.Unauthorized(fmt.Sprintf("inventory rejected session for %s", method), rpcErr)
		}
		zap.L().Info("[Inventory] session expired, logging in again", zap.String("method", method))
	}
}

func (c *Client) login(ctx context.Context, user, password string) (string, error) {
	key := "user"
	if c.version.AtLeast(5, 4) {
		key = "username"
	}

	var token string
	err := c.do(ctx, "user.login", map[string]string{key: user, "password": password}, "", &token)
	if err != nil {
		return "", errutil.Unauthorized("inventory login failed", err)
	}
	if token == "" {
		return "", errutil.Unauthorized("inventory login returned empty token", nil)
	}
	return token, nil
}

func (c *Client) do(ctx context.Context, method string, params any, token string, out any) error {
	if c.url == "" {
		return errutil.BadRequest("inventory url not configured", nil)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errutil.Timeout("inventory rate limiter wait aborted", err)
	}

	req := request{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)}
	bearer := token != "" && c.version.AtLeast(6, 4)
	if token != "" && !bearer {
		req.Auth = token
	}

	body, err := json.Marshal(req)
	if err != nil {
		return errutil.Internal("inventory request encode failed", err)
	}

	zap.L().Debug("[Inventory] call", zap.String("method", method), zap.String("params", safeParams(params)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errutil.BadRequest("inventory url invalid", err)
	}
	httpReq.Header.Set("Content-Type", "application/json-rpc")
	if bearer {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errutil.BadGateway(fmt.Sprintf("inventory request %s failed", method), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return errutil.BadGateway(fmt.Sprintf("inventory response %s unreadable", method), err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return errutil.BadGateway(fmt.Sprintf("inventory returned http %d for %s: %s", resp.StatusCode, method, clip(string(raw), 500)), nil)
	}

	var rpcResp response
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return errutil.BadGateway(fmt.Sprintf("inventory returned non-JSON for %s: %s", method, clip(string(raw), 500)), err)
	}
	if rpcResp.Error != nil {
		zap.L().Error("[Inventory] call failed", zap.String("method", method), zap.Int("code", rpcResp.Error.Code), zap.String("message", rpcResp.Error.Message), zap.String("data", rpcResp.Error.Data))
		return errutil.BadGateway(fmt.Sprintf("inventory %s failed", method), rpcResp.Error)
	}

	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return errutil.BadGateway(fmt.Sprintf("inventory %s returned unexpected result", method), err)
		}
	}
	return nil
}
