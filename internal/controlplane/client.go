// Package controlplane implements the HTTP client to the remote control
// plane (spec.md §4.10, §6): bearer-token JSON requests, each wrapped in
// bounded exponential backoff retry via cenkalti/backoff/v4 (backoff.Retry
// over an exponential backoff limited by WithMaxRetries and bound to the
// request context by WithContext).
package controlplane

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dn42fabric/fabric-agent/internal/model"
)

// DefaultTimeout is the total per-request timeout (spec.md §5).
const DefaultTimeout = 30 * time.Second

// Client talks to the control plane over bearer-token-authenticated JSON
// HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retries uint64
}

// New constructs a Client against baseURL using token for bearer auth.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
		retries: 3,
	}
}

// RegisterRequest is the body of POST /api/v1/agent/register.
type RegisterRequest struct {
	Hostname      string `json:"hostname"`
	AgentVersion  string `json:"agent_version"`
	Region        string `json:"region"`
	IsRR          bool   `json:"is_rr"`
	IPv4          string `json:"ipv4,omitempty"`
	IPv6          string `json:"ipv6,omitempty"`
	DN42IPv4      string `json:"dn42_ipv4,omitempty"`
	DN42IPv6      string `json:"dn42_ipv6,omitempty"`
	NodeID        *int   `json:"node_id,omitempty"`
	LoopbackIPv6  string `json:"loopback_ipv6,omitempty"`
	MeshPublicKey string `json:"mesh_public_key,omitempty"`
	EBGPPublicKey string `json:"ebgp_public_key,omitempty"`
}

// RegisterResponse is the response of POST /api/v1/agent/register.
type RegisterResponse struct {
	Status        string `json:"status"`
	NodeName      string `json:"node_name"`
	NumericNodeID int    `json:"numeric_node_id"`
}

// RegisterNode registers this node with the control plane.
func (c *Client) RegisterNode(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	err := c.doJSONRetry(ctx, http.MethodPost, "/api/v1/agent/register", req, &resp)
	return resp, err
}

// ConfigResponse is the response of GET /api/v1/agent/config.
type ConfigResponse struct {
	VersionHash string           `json:"version_hash"`
	Peers       []model.PeerSpec `json:"peers"`
	IBGPPeers   []model.PeerSpec `json:"ibgp_peers,omitempty"`
	LocalIPv6   string           `json:"local_ipv6,omitempty"`
	NodeInfo    map[string]any   `json:"node_info,omitempty"`
}

// GetConfig fetches the desired eBGP configuration for node.
func (c *Client) GetConfig(ctx context.Context, node string) (ConfigResponse, error) {
	var resp ConfigResponse
	path := fmt.Sprintf("/api/v1/agent/config?node=%s", node)
	err := c.doJSONRetry(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// MeshConfigResponse is the response of GET /api/v1/mesh/config/<node>.
type MeshConfigResponse struct {
	Loopback string               `json:"loopback"`
	DN42IPv4 string               `json:"dn42_ipv4,omitempty"`
	DN42IPv6 string               `json:"dn42_ipv6,omitempty"`
	IsRR     bool                 `json:"is_rr"`
	Peers    []model.MeshPeerSpec `json:"peers"`
}

// GetMeshConfig fetches the desired iBGP mesh configuration for node.
func (c *Client) GetMeshConfig(ctx context.Context, node string) (MeshConfigResponse, error) {
	var resp MeshConfigResponse
	path := fmt.Sprintf("/api/v1/mesh/config/%s", node)
	err := c.doJSONRetry(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// HeartbeatRequest is the body of POST /api/v1/agent/heartbeat.
type HeartbeatRequest struct {
	NodeID            int    `json:"node_id"`
	AgentVersion      string `json:"agent_version"`
	ConfigVersionHash string `json:"config_version_hash"`
	Status            string `json:"status"`
}

// SendHeartbeat reports liveness and applied config hash.
func (c *Client) SendHeartbeat(ctx context.Context, req HeartbeatRequest) error {
	return c.doJSONRetry(ctx, http.MethodPost, "/api/v1/agent/heartbeat", req, nil)
}

// StateRequest is the body of POST /api/v1/agent/state.
type StateRequest struct {
	NodeID    int `json:"node_id"`
	LastState any `json:"last_state"`
}

// ReportState sends the last applied state snapshot.
func (c *Client) ReportState(ctx context.Context, req StateRequest) error {
	return c.doJSONRetry(ctx, http.MethodPost, "/api/v1/agent/state", req, nil)
}

// RegisterMeshKey registers this node's mesh WireGuard public key.
func (c *Client) RegisterMeshKey(ctx context.Context, node, publicKey string) error {
	path := fmt.Sprintf("/api/v1/mesh/register-key/%s", node)
	body := map[string]string{"public_key": publicKey}
	return c.doJSONRetry(ctx, http.MethodPost, path, body, nil)
}

// ComputeConfigHash deterministically hashes peers (sorted by ASN, stable
// JSON) for use when the server omits version_hash.
func ComputeConfigHash(peers []model.PeerSpec) (string, error) {
	sorted := append([]model.PeerSpec(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ASN < sorted[j].ASN })

	data, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("controlplane: marshal peers for hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// doJSONRetry wraps doJSON in bounded exponential backoff, retrying only
// transient (network/5xx) failures — matching model.ErrControlPlaneTransient
// in this repo's error taxonomy.
func (c *Client) doJSONRetry(ctx context.Context, method, path string, body, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	bounded := backoff.WithMaxRetries(bo, c.retries)

	return backoff.Retry(func() error {
		err := c.doJSON(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if perr, ok := err.(*permanentError); ok {
			return backoff.Permanent(perr.err)
		}
		return err
	}, backoff.WithContext(bounded, ctx))
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &permanentError{fmt.Errorf("controlplane: marshal request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &permanentError{fmt.Errorf("controlplane: build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("controlplane: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("controlplane: %s %s: server error %d: %s", method, path, resp.StatusCode, string(data))
	}
	if resp.StatusCode >= 400 {
		return &permanentError{fmt.Errorf("controlplane: %s %s: client error %d: %s", method, path, resp.StatusCode, string(data))}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &permanentError{fmt.Errorf("controlplane: decode response: %w", err)}
	}
	return nil
}
