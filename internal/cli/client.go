package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/gateway"
	"github.com/soyeahso/voxgate/internal/restclient"
)

// apiClient calls a running gateway's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg config.Config, override string) *apiClient {
	return &apiClient{
		base:  gatewayURL(cfg.Gateway, override),
		token: gateway.ResolveAuth(cfg.Gateway.Auth).Token,
		http:  restclient.Standard(0, log),
	}
}

// gatewayURL is where the local gateway listens, unless override is set.
func gatewayURL(cfg config.GatewayConfig, override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	scheme := "http"
	if cfg.TLS.Enabled {
		scheme = "https"
	}
	host := "127.0.0.1"
	if cfg.Bind == "custom" && cfg.CustomBindHost != "" && cfg.CustomBindHost != "0.0.0.0" {
		host = cfg.CustomBindHost
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, cfg.Port)
}

// do sends a JSON request and decodes a JSON response into out. Non-2xx
// answers are returned as errors carrying the gateway's detail.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if !restclient.Success(resp.StatusCode) {
		var er gateway.ErrorResponse
		raw := restclient.ErrorBody(resp.Body)
		if json.Unmarshal([]byte(raw), &er) == nil && er.Detail != "" {
			return fmt.Errorf("gateway: %s (%s, status %d)", er.Detail, er.Code, resp.StatusCode)
		}
		return fmt.Errorf("gateway: status %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
