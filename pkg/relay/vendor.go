package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/cursor-api/pkg/checksum"
	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
	"github.com/KilimcininKorOglu/cursor-api/pkg/proxies"
	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

// Vendor endpoints. The completion surface is served from a separate
// regional host selected per token.
const (
	chatBase = "https://api2.cursor.sh"

	pathStreamChat   = "/aiserver.v1.AiService/StreamChat"
	pathModels       = "/aiserver.v1.AiService/AvailableModels"
	pathServerConfig = "/aiserver.v1.AiService/GetServerConfig"
	pathCppStream    = "/aiserver.v1.AiService/StreamCpp"
	pathCppConfig    = "/aiserver.v1.AiService/CppConfig"
	pathCppModels    = "/aiserver.v1.AiService/AvailableCppModels"
	pathFileUpload   = "/aiserver.v1.AiService/UploadFile"
	pathFileSync     = "/aiserver.v1.AiService/SyncFile"

	clientVersion = "0.42.3"
)

var gcppHosts = map[byte]string{
	dynkey.GcppAsia: "https://asia.gcpp.cursor.sh",
	dynkey.GcppEU:   "https://eu.gcpp.cursor.sh",
	dynkey.GcppUS:   "https://us.gcpp.cursor.sh",
}

// vendorClient issues framed Protobuf requests on behalf of a leased
// token, routed through the token's proxy.
type vendorClient struct {
	registry *proxies.Registry
	// baseOverride redirects all calls to one host, used by tests and
	// self-hosted relays.
	baseOverride string
	now          nowFunc
}

type nowFunc = func() int64 // unix millis

func newVendorClient(registry *proxies.Registry, baseOverride string, now nowFunc) *vendorClient {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &vendorClient{registry: registry, baseOverride: baseOverride, now: now}
}

func timeFromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func (c *vendorClient) chatURL(path string) string {
	if c.baseOverride != "" {
		return c.baseOverride + path
	}
	return chatBase + path
}

func (c *vendorClient) cppURL(rec *pool.TokenRecord, path string) string {
	if c.baseOverride != "" {
		return c.baseOverride + path
	}
	host, ok := gcppHosts[rec.GcppHost]
	if !ok {
		host = gcppHosts[dynkey.GcppUS]
	}
	return host + path
}

// headers assembles the vendor header set for one request.
func (c *vendorClient) headers(rec *pool.TokenRecord, ghostMode bool) (http.Header, error) {
	sum, err := checksum.Build(rec.DeviceSecret, rec.MacSecret, timeFromMillis(c.now()))
	if err != nil {
		return nil, fmt.Errorf("relay: checksum: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+rec.PrimaryToken)
	h.Set("Content-Type", "application/connect+proto")
	h.Set("Connect-Protocol-Version", "1")
	h.Set("x-cursor-client-key", rec.ClientKey)
	h.Set("x-cursor-checksum", sum)
	h.Set("x-cursor-client-version", clientVersion)
	if rec.ConfigVersion != "" {
		h.Set("x-cursor-config-version", rec.ConfigVersion)
	}
	if rec.Timezone != "" {
		h.Set("x-cursor-timezone", rec.Timezone)
	}
	if ghostMode {
		h.Set("x-ghost-mode", "true")
	} else {
		h.Set("x-ghost-mode", "false")
	}
	h.Set("x-request-id", uuid.NewString())
	if rec.SessionID != "" {
		h.Set("x-session-id", rec.SessionID)
	}
	return h, nil
}

// post sends one encoded frame and returns the raw streaming response.
// The caller owns resp.Body.
func (c *vendorClient) post(ctx context.Context, rec *pool.TokenRecord, url string, payload []byte, ghostMode bool) (*http.Response, error) {
	frame, err := wire.EncodeMessage(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header, err = c.headers(rec, ghostMode)
	if err != nil {
		return nil, err
	}
	client := c.registry.ClientFor(rec.ProxyName)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &upstreamStatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// Vendor account endpoints are plain JSON, not framed Protobuf.
const (
	pathStripeProfile = "/auth/full_stripe_profile"
	pathUsage         = "/api/usage"
)

type stripeProfile struct {
	MembershipType       string `json:"membershipType"`
	DaysRemainingOnTrial int    `json:"daysRemainingOnTrial"`
}

type usageBucket struct {
	NumRequests     int `json:"numRequests"`
	MaxRequestUsage int `json:"maxRequestUsage"`
}

type usageReport struct {
	Premium  usageBucket `json:"gpt-4"`
	Standard usageBucket `json:"gpt-3.5-turbo"`
}

func (c *vendorClient) getJSON(ctx context.Context, rec *pool.TokenRecord, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+rec.PrimaryToken)
	resp, err := c.registry.ClientFor(rec.ProxyName).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &upstreamStatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchProfile pulls the account membership blob.
func (c *vendorClient) fetchProfile(ctx context.Context, rec *pool.TokenRecord) (*stripeProfile, error) {
	var p stripeProfile
	if err := c.getJSON(ctx, rec, c.chatURL(pathStripeProfile), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// fetchUsage pulls per-tier request counters for the token's subject.
func (c *vendorClient) fetchUsage(ctx context.Context, rec *pool.TokenRecord, subject string) (*usageReport, error) {
	var u usageReport
	url := c.chatURL(pathUsage) + "?user=" + neturl.QueryEscape(subject)
	if err := c.getJSON(ctx, rec, url, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// postUnary collects a single-message response: the first message frame
// wins, an error frame fails the call.
func (c *vendorClient) postUnary(ctx context.Context, rec *pool.TokenRecord, url string, payload []byte, ghostMode bool) ([]byte, error) {
	resp, err := c.post(ctx, rec, url, payload, ghostMode)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	for {
		f, err := wire.ReadFrame(resp.Body)
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
		if f.IsError() {
			ve, end, derr := wire.DecodeVendorError(f.Payload)
			if derr != nil {
				return nil, derr
			}
			if end {
				continue
			}
			return nil, &vendorError{VendorError: ve}
		}
		return f.Payload, nil
	}
}

type upstreamStatusError struct {
	Code int
	Body string
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("relay: upstream status %d", e.Code)
}

// vendorError wraps an error frame so handlers can map it to HTTP.
type vendorError struct {
	*wire.VendorError
}

func (e *vendorError) Error() string {
	return fmt.Sprintf("relay: vendor error %s: %s", e.Code, e.Message)
}
