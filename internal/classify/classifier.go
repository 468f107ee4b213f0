// Package classify assigns an action tier to every tool call. Rules walk in
// priority order autoApprove → notify → requireApproval; anything unmatched
// falls through to require-approval.
package classify

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Tier is the action classification of a tool call.
type Tier string

const (
	TierAutoApprove     Tier = "auto-approve"
	TierNotify          Tier = "notify"
	TierRequireApproval Tier = "require-approval"
)

// soulUpdateTool is pinned to require-approval and exempt from every
// downgrade path, including session grants.
const soulUpdateTool = "propose_soul_update"

// Rule matches a tool name plus optional per-field glob conditions.
type Rule struct {
	Tool       string            `json:"tool"`
	Conditions map[string]string `json:"conditions,omitempty"`
}

// Config holds the tier rule lists in priority order plus the trusted-domain
// base allow-list for browse_web.
type Config struct {
	AutoApprove     []Rule   `json:"autoApprove,omitempty"`
	Notify          []Rule   `json:"notify,omitempty"`
	RequireApproval []Rule   `json:"requireApproval,omitempty"`
	TrustedDomains  []string `json:"trustedDomains,omitempty"`

	// PrefixTiers assign a default tier to tool families (MCP servers).
	// Explicit rules always win; prefixes apply before the final
	// require-approval fallback. Never set from the config file.
	PrefixTiers []PrefixTier `json:"-"`
}

// PrefixTier is the default tier for tools sharing a name prefix.
type PrefixTier struct {
	Prefix string
	Tier   Tier
}

// Classifier evaluates tool calls against the configured tiers.
type Classifier struct {
	cfg Config
}

// New creates a classifier from config.
func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify returns the tier for a tool call. Soul updates are always
// require-approval. browse_web against a trusted domain is auto-approved
// unless an explicit rule decided first.
func (c *Classifier) Classify(toolName string, input map[string]any) Tier {
	if toolName == soulUpdateTool {
		return TierRequireApproval
	}

	tiers := []struct {
		tier  Tier
		rules []Rule
	}{
		{TierAutoApprove, c.cfg.AutoApprove},
		{TierNotify, c.cfg.Notify},
		{TierRequireApproval, c.cfg.RequireApproval},
	}

	for _, t := range tiers {
		for _, r := range t.rules {
			if ruleMatches(r, toolName, input) {
				return t.tier
			}
		}
	}

	if toolName == "browse_web" && c.urlTrusted(input) {
		return TierAutoApprove
	}

	for _, pt := range c.cfg.PrefixTiers {
		if strings.HasPrefix(toolName, pt.Prefix) {
			return pt.Tier
		}
	}

	return TierRequireApproval
}

// ruleMatches reports whether a rule applies. Every condition must find a
// non-nil field on the input whose string form matches the glob; a missing
// field makes the rule not match.
func ruleMatches(r Rule, toolName string, input map[string]any) bool {
	if r.Tool != toolName {
		return false
	}
	for field, pattern := range r.Conditions {
		v, ok := input[field]
		if !ok || v == nil {
			return false
		}
		if !Match(coerceString(v), pattern) {
			return false
		}
	}
	return true
}

// urlTrusted checks the browse_web url host against the trusted-domain list.
func (c *Classifier) urlTrusted(input map[string]any) bool {
	raw, _ := input["url"].(string)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	for _, d := range c.cfg.TrustedDomains {
		if host == d {
			return true
		}
	}
	return false
}

// coerceString renders a tool-input value the way rule patterns expect:
// strings as-is, numbers without exponent, bools as true/false.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
