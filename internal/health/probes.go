package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"agentcrew/internal/config"
)

const bodyExcerptLimit = 256

// HTTPProber issues a GET against the service URL.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober using client, or a default client when nil.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, svc config.Service) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if svc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+svc.Token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOffline, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerptLimit))
	msg := strings.TrimSpace(string(excerpt))
	if msg == "" {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}

// MCPProber initializes a streamable-HTTP MCP session and pings the server.
type MCPProber struct {
	clientName    string
	clientVersion string
}

// NewMCPProber returns an MCP prober identifying itself as agentcrew.
func NewMCPProber() *MCPProber {
	return &MCPProber{clientName: "agentcrew", clientVersion: "1.0.0"}
}

// Probe implements Prober.
func (p *MCPProber) Probe(ctx context.Context, svc config.Service) error {
	var opts []transport.StreamableHTTPCOption
	if svc.Token != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + svc.Token}))
	}
	c, err := mcpclient.NewStreamableHttpClient(svc.URL, opts...)
	if err != nil {
		return fmt.Errorf("create mcp client: %w", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("%w: start mcp client: %w", ErrOffline, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: p.clientName, Version: p.clientVersion}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("initialize mcp session: %w", err)
	}
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping mcp server: %w", err)
	}
	return nil
}
