// Package capability mints and verifies the signed authority tokens carried
// from the gateway into executor containers. Tokens are JWS compact
// serializations (three base64url segments) signed with HMAC-SHA-256 using a
// process-wide secret. Executors verify before running anything; any component
// minting derivative scopes verifies first too.
package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Hard cap on token lifetime regardless of task timeout.
const maxLifetime = 15 * time.Minute

// Grace added on top of the task timeout so a container that finishes at the
// wire-clock limit can still report its result.
const lifetimeGrace = 30 * time.Second

var (
	ErrNoSecret     = errors.New("capability: signing secret not set")
	ErrInvalidToken = errors.New("capability: token invalid")
)

// NetworkPolicy describes the egress a task is allowed.
// Empty AllowedDomains means no network at all.
type NetworkPolicy struct {
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

// None reports whether the policy denies all egress.
func (n NetworkPolicy) None() bool { return len(n.AllowedDomains) == 0 }

// Mount is one host path exposed to the executor.
type Mount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly"`
}

// Claims is the authority envelope carried by a token.
type Claims struct {
	ExecutorType   string        `json:"executorType"`
	Mounts         []Mount       `json:"mounts,omitempty"`
	Network        NetworkPolicy `json:"network"`
	TimeoutSeconds int           `json:"timeoutSeconds"`
	MaxOutputBytes int           `json:"maxOutputBytes"`
	IssuedAt       time.Time     `json:"issuedAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
}

// EnvSecret is the environment variable holding the signing secret.
// The secret never appears in the config file.
const EnvSecret = "CASTELLAN_CAPABILITY_SECRET"

// Signer mints and verifies capability tokens with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. The secret comes from the environment at
// startup and is read-only for the process lifetime.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &Signer{secret: secret}, nil
}

// Mint signs the claims. IssuedAt/ExpiresAt are set here: lifetime is
// min(timeout + grace, hard cap).
func (s *Signer) Mint(c Claims) (string, error) {
	now := time.Now().UTC()
	life := time.Duration(c.TimeoutSeconds)*time.Second + lifetimeGrace
	if life > maxLifetime || c.TimeoutSeconds <= 0 {
		life = maxLifetime
	}
	c.IssuedAt = now
	c.ExpiresAt = now.Add(life)

	builder := jwt.NewBuilder().
		IssuedAt(now).
		Expiration(c.ExpiresAt).
		Claim("executorType", c.ExecutorType).
		Claim("timeoutSeconds", c.TimeoutSeconds).
		Claim("maxOutputBytes", c.MaxOutputBytes).
		Claim("network", c.Network)
	if len(c.Mounts) > 0 {
		builder = builder.Claim("mounts", c.Mounts)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("capability: build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("capability: sign: %w", err)
	}
	return string(signed), nil
}

// Verify checks signature and expiry and returns the decoded claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	c := &Claims{
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
	}
	if v, ok := tok.Get("executorType"); ok {
		c.ExecutorType, _ = v.(string)
	}
	if v, ok := tok.Get("timeoutSeconds"); ok {
		c.TimeoutSeconds = asInt(v)
	}
	if v, ok := tok.Get("maxOutputBytes"); ok {
		c.MaxOutputBytes = asInt(v)
	}
	if v, ok := tok.Get("network"); ok {
		if err := reencode(v, &c.Network); err != nil {
			return nil, fmt.Errorf("%w: network claim: %v", ErrInvalidToken, err)
		}
	}
	if v, ok := tok.Get("mounts"); ok {
		if err := reencode(v, &c.Mounts); err != nil {
			return nil, fmt.Errorf("%w: mounts claim: %v", ErrInvalidToken, err)
		}
	}
	return c, nil
}

// reencode round-trips an untyped claim value into a concrete struct.
func reencode(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}
