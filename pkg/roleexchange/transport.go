package roleexchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/phlow-auth/phlow-go/internal/observe"
	"github.com/phlow-auth/phlow-go/pkg/agentcard"
)

// Transport delivers a RoleRequest to a peer and returns its response.
type Transport interface {
	SendRoleRequest(ctx context.Context, card *agentcard.AgentCard, req *RoleRequest) (*RoleResponse, error)
}

// RoleRequestPath is where peers accept role-credential requests,
// relative to their service URL.
const RoleRequestPath = "/phlow/role-request"

// HTTPTransport posts role requests to the peer's service URL.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with the given per-request
// timeout (default 10s).
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) SendRoleRequest(ctx context.Context, card *agentcard.AgentCard, req *RoleRequest) (*RoleResponse, error) {
	if card.ServiceURL == "" {
		return nil, fmt.Errorf("agent %s has no service url", card.AgentID)
	}
	url := strings.TrimSuffix(card.ServiceURL, "/") + RoleRequestPath

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode role request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build role request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		observe.RecordPeerCall("error")
		return nil, fmt.Errorf("send role request to %s: %w", card.AgentID, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	observe.RecordPeerCall(strconv.Itoa(resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s returned %d to role request", card.AgentID, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read role response: %w", err)
	}
	var out RoleResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode role response: %w", err)
	}
	if out.Type != TypeRoleResponse {
		return nil, fmt.Errorf("unexpected message type %q from %s", out.Type, card.AgentID)
	}
	return &out, nil
}
