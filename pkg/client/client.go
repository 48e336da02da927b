// Package client provides the Go SDK for the constellation daemon's HTTP
// API: identity lifecycle calls, trust queries, and audit log reads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// APIError is returned when the daemon rejects a request. Status carries the
// HTTP status code and Message the daemon's error string.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned HTTP %d: %s", e.Status, e.Message)
}

// Witness summarizes one cross-witness relationship on a device.
type Witness struct {
	PeerDeviceID string    `json:"peer_device_id"`
	Count        int       `json:"count"`
	LastWitness  time.Time `json:"last_witness"`
}

// Device is one anchor in a constellation.
type Device struct {
	ID               string    `json:"id"`
	AnchorKind       string    `json:"anchor_kind"`
	Platform         string    `json:"platform"`
	EnrolledAt       time.Time `json:"enrolled_at"`
	LastWitnessed    time.Time `json:"last_witnessed"`
	Status           string    `json:"status"`
	RevocationReason string    `json:"revocation_reason,omitempty"`
	Witnesses        []Witness `json:"witnesses"`
}

// Identity is a root identity snapshot as returned by the daemon.
type Identity struct {
	RootID                  string    `json:"root_id"`
	State                   string    `json:"state"`
	CreatedAt               time.Time `json:"created_at"`
	RecoveryQuorum          int       `json:"recovery_quorum"`
	Trust                   float64   `json:"trust"`
	HardwareBindingStrength float64   `json:"hardware_binding_strength"`
	Coherence               float64   `json:"coherence"`
	Devices                 []Device  `json:"devices"`
}

// TrustReport is the result of a trust query.
type TrustReport struct {
	RootID string    `json:"root_id"`
	At     time.Time `json:"at"`
	Trust  float64   `json:"trust"`
}

// WitnessOutcome reports a completed cross-witnessing round. Fingerprints
// identify the exchanged proofs; raw signatures never leave the daemon.
type WitnessOutcome struct {
	RootID       string    `json:"root_id"`
	DeviceA      string    `json:"device_a"`
	DeviceB      string    `json:"device_b"`
	FingerprintA string    `json:"fingerprint_a"`
	FingerprintB string    `json:"fingerprint_b"`
	Timestamp    time.Time `json:"timestamp"`
}

// GenesisRequest is the payload for CreateIdentity. RootID is optional; when
// empty the daemon mints one.
type GenesisRequest struct {
	RootID     string `json:"root_id,omitempty"`
	AnchorKind string `json:"anchor_kind"`
	Platform   string `json:"platform,omitempty"`
}

// EnrollRequest is the payload for EnrollDevice. WitnessID is optional; when
// empty the daemon picks the most recently witnessed active device.
type EnrollRequest struct {
	AnchorKind string `json:"anchor_kind"`
	Platform   string `json:"platform,omitempty"`
	WitnessID  string `json:"witness_id,omitempty"`
}

// RecoverRequest is the payload for RecoverIdentity.
type RecoverRequest struct {
	RecoveryIDs []string `json:"recovery_ids"`
	AnchorKind  string   `json:"anchor_kind"`
	Platform    string   `json:"platform,omitempty"`
}

// AuditOverview holds the audit chain length and current root hash.
type AuditOverview struct {
	Entries int    `json:"entries"`
	Root    string `json:"root"`
}

// AuditEntry is one hash-chained audit record.
type AuditEntry struct {
	Index      int       `json:"index"`
	Kind       string    `json:"kind"`
	RootID     string    `json:"root_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	WitnessIDs []string  `json:"witness_ids,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DataHash   string    `json:"data_hash"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// VerifyResult reports an audit chain integrity walk.
type VerifyResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Client talks to a constellation daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
	secret     string

	// token state — guarded by mu
	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time // zero = token was set manually (no auto-refresh)
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithOperatorSecret enables automatic token exchange: the client trades the
// secret for a short-lived bearer token and refreshes it before expiry.
func WithOperatorSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// WithBearerToken attaches a pre-obtained token to every mutating request.
// The token is treated as long-lived and will not be auto-refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
	}
}

// New creates a Client for the daemon at baseURL.
//
//	c := client.New("http://localhost:8080",
//	    client.WithOperatorSecret(os.Getenv("CONSTELLATION_SECRET")),
//	)
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateIdentity performs genesis: a new root identity bound to its first
// device.
func (c *Client) CreateIdentity(ctx context.Context, req *GenesisRequest) (*Identity, error) {
	var out Identity
	if err := c.do(ctx, http.MethodPost, "/api/v1/identities", req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnrollDevice adds a device to an existing identity.
func (c *Client) EnrollDevice(ctx context.Context, rootID string, req *EnrollRequest) (*Device, error) {
	var out Device
	path := "/api/v1/identities/" + url.PathEscape(rootID) + "/devices"
	if err := c.do(ctx, http.MethodPost, path, req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// CrossWitness runs a mutual attestation round between two active devices.
func (c *Client) CrossWitness(ctx context.Context, rootID, deviceA, deviceB string) (*WitnessOutcome, error) {
	var out WitnessOutcome
	path := "/api/v1/identities/" + url.PathEscape(rootID) + "/witness"
	body := map[string]string{"device_a": deviceA, "device_b": deviceB}
	if err := c.do(ctx, http.MethodPost, path, body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveDevice revokes a device with quorum authorization from the listed
// peers.
func (c *Client) RemoveDevice(ctx context.Context, rootID, deviceID, reason string, authorizingIDs []string) error {
	path := "/api/v1/identities/" + url.PathEscape(rootID) + "/devices/" + url.PathEscape(deviceID) + "/remove"
	body := map[string]any{"reason": reason, "authorizing_ids": authorizingIDs}
	return c.do(ctx, http.MethodPost, path, body, nil, true)
}

// RecoverIdentity enrolls a replacement device vouched for by a recovery
// quorum.
func (c *Client) RecoverIdentity(ctx context.Context, rootID string, req *RecoverRequest) (*Device, error) {
	var out Device
	path := "/api/v1/identities/" + url.PathEscape(rootID) + "/recover"
	if err := c.do(ctx, http.MethodPost, path, req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetIdentity fetches the current snapshot of an identity.
func (c *Client) GetIdentity(ctx context.Context, rootID string) (*Identity, error) {
	var out Identity
	path := "/api/v1/identities/" + url.PathEscape(rootID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTrust evaluates the identity's trust score. Pass the zero time for "now".
func (c *Client) GetTrust(ctx context.Context, rootID string, at time.Time) (*TrustReport, error) {
	var out TrustReport
	path := "/api/v1/identities/" + url.PathEscape(rootID) + "/trust"
	if !at.IsZero() {
		path += "?at=" + url.QueryEscape(at.Format(time.RFC3339))
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditOverview returns the audit chain length and root hash.
func (c *Client) AuditOverview(ctx context.Context) (*AuditOverview, error) {
	var out AuditOverview
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditVerify walks the audit chain and reports its integrity.
func (c *Client) AuditVerify(ctx context.Context) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit/verify", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditEntry fetches one audit record by index.
func (c *Client) AuditEntry(ctx context.Context, idx int) (*AuditEntry, error) {
	var out AuditEntry
	path := fmt.Sprintf("/api/v1/audit/entries/%d", idx)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// fetchTokenRaw exchanges the operator secret for a fresh token without
// touching cached state.
func (c *Client) fetchTokenRaw(ctx context.Context) (token string, expiry time.Time, err error) {
	body, _ := json.Marshal(map[string]string{"secret": c.secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", time.Time{}, &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}

	// Refresh 60 s before actual expiry to avoid clock-skew failures.
	return payload.Token, payload.ExpiresAt.Add(-60 * time.Second), nil
}

// ensureToken returns a valid bearer token, fetching a new one if the cached
// token is absent or approaching expiry. Thread-safe.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// tokenExpiry.IsZero() means the token was set via WithBearerToken and
	// should never be auto-refreshed.
	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		return c.bearerToken, nil
	}
	if c.secret == "" {
		return "", fmt.Errorf("no bearer token and no operator secret configured")
	}

	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.bearerToken = token
	c.tokenExpiry = expiry
	return token, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any, authed bool) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call daemon: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}

	if respBody != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func errorMessage(raw []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
