// Package pool owns the vendor session credentials: an ordered set of
// token records addressed by alias, with a numeric index used by the
// dynamic-key codec and a lease mechanism serializing per-token use.
package pool

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/cursor-api/pkg/checksum"
	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
)

// Token status values.
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// UserProfile is the vendor account blob attached by profile refresh.
type UserProfile struct {
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	Membership  string    `json:"membership,omitempty"`
	TrialDays   int       `json:"trial_days,omitempty"`
	FetchedAt   time.Time `json:"fetched_at,omitempty"`
	GhostMode   bool      `json:"ghost_mode,omitempty"`
	HardLimited bool      `json:"hard_limited,omitempty"`
}

// UsageProfile is the vendor usage blob attached by profile refresh.
type UsageProfile struct {
	Premium     int       `json:"premium,omitempty"`
	PremiumMax  int       `json:"premium_max,omitempty"`
	Standard    int       `json:"standard,omitempty"`
	StandardMax int       `json:"standard_max,omitempty"`
	FetchedAt   time.Time `json:"fetched_at,omitempty"`
}

// TokenRecord is one vendor credential with everything a request needs
// to impersonate it.
type TokenRecord struct {
	Alias   string         `json:"alias"`
	Numeric dynkey.Numeric `json:"numeric"`

	PrimaryToken   string `json:"primary_token"`
	SecondaryToken string `json:"secondary_token,omitempty"`

	DeviceSecret string `json:"device_secret"`
	MacSecret    string `json:"mac_secret,omitempty"`

	ClientKey     string `json:"client_key"`
	SessionID     string `json:"session_id"`
	ConfigVersion string `json:"config_version,omitempty"`

	ProxyName string `json:"proxy_name,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	GcppHost  byte   `json:"gcpp_host,omitempty"`

	User  *UserProfile  `json:"user,omitempty"`
	Usage *UsageProfile `json:"usage,omitempty"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// InUse is runtime-only lease state, never persisted.
	InUse bool `json:"-"`
}

var (
	ErrEmptyToken = errors.New("pool: empty primary token")
	ErrBadJWT     = errors.New("pool: primary token is not a JWT")
)

// Claims recovered from the primary token without signature checking.
// The gateway is a client of the vendor, not the issuer, so it cannot
// verify; it only needs sub and exp.
type Claims struct {
	Subject string
	Expires time.Time
}

// InspectToken extracts sub and exp from a vendor JWT.
func InspectToken(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrEmptyToken
	}
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrBadJWT, err)
	}
	c := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		c.Expires = rc.ExpiresAt.Time
	}
	return c, nil
}

// Expired reports whether the record's primary token is past its exp.
// Tokens without a parseable exp are treated as live.
func (t *TokenRecord) Expired(now time.Time) bool {
	c, err := InspectToken(t.PrimaryToken)
	if err != nil || c.Expires.IsZero() {
		return false
	}
	return now.After(c.Expires)
}

// Enabled reports whether the record may serve requests.
func (t *TokenRecord) Enabled() bool { return t.Status != StatusDisabled }

// Clone returns a deep copy safe to hand outside the pool lock.
func (t *TokenRecord) Clone() *TokenRecord {
	cp := *t
	if t.User != nil {
		u := *t.User
		cp.User = &u
	}
	if t.Usage != nil {
		u := *t.Usage
		cp.Usage = &u
	}
	return &cp
}

// fill populates generated fields on a freshly added record.
func (t *TokenRecord) fill(now time.Time) {
	var zero dynkey.Numeric
	if t.Numeric == zero {
		t.Numeric = dynkey.NewNumeric()
	}
	if t.DeviceSecret == "" {
		t.DeviceSecret = checksum.NewSecret()
	}
	if t.MacSecret == "" {
		t.MacSecret = checksum.NewSecret()
	}
	if t.ClientKey == "" {
		t.ClientKey = checksum.NewSecret()
	}
	if t.SessionID == "" {
		t.SessionID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusEnabled
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// ApplyOverrides layers dynamic-key overrides onto a cloned record.
func (t *TokenRecord) ApplyOverrides(o *dynkey.Overrides) {
	if o == nil {
		return
	}
	if o.ProxyName != "" {
		t.ProxyName = o.ProxyName
	}
	if o.Timezone != "" {
		t.Timezone = o.Timezone
	}
	if o.GcppHost != nil {
		t.GcppHost = *o.GcppHost
	}
}
