package goRefresh

import (
	"fmt"
	"strings"
	"time"
)

// LintSeverity ranks a configuration warning.
type LintSeverity int

const (
	// LintInfo flags a setting worth reviewing.
	LintInfo LintSeverity = iota
	// LintWarn flags a setting that weakens replay protection or observability.
	LintWarn
	// LintHigh flags a contradictory or dangerous setting.
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("LintSeverity(%d)", int(s))
	}
}

// LintWarning is one finding of [Config.Lint].
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintWarnings is the ordered result of [Config.Lint].
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// BySeverity returns the warnings at or above min.
func (ws LintWarnings) BySeverity(min LintSeverity) LintWarnings {
	var out LintWarnings
	for _, w := range ws {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// AsError folds warnings at or above min into one error, or nil.
func (ws LintWarnings) AsError(min LintSeverity) error {
	hits := ws.BySeverity(min)
	if len(hits) == 0 {
		return nil
	}
	parts := make([]string, 0, len(hits))
	for _, w := range hits {
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", w.Severity, w.Code, w.Message))
	}
	return fmt.Errorf("config lint: %s", strings.Join(parts, "; "))
}

// Lint reports settings that are valid but risky. It never fails; use
// [LintWarnings.AsError] to gate startup on a severity.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	if c.Token.TTL > 14*24*time.Hour {
		add("refresh_ttl_long", LintWarn, "refresh tokens live longer than 14 days")
	}
	if !c.Security.EnableRefreshThrottle {
		add("rate_limits_disabled", LintWarn, "refresh throttle is off; token guessing is unbounded per session")
	}
	if c.Security.ThrottleFailOpen {
		add("throttle_fail_open", LintInfo, "refresh throttle passes requests when Redis is unreachable")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", LintInfo, "replay detections are not emitted to an audit sink")
	}
	if c.Audit.Enabled && c.Audit.DropIfFull {
		add("audit_drop_if_full", LintInfo, "audit events are dropped under back-pressure")
	}
	if !c.Metrics.Enabled {
		add("metrics_disabled", LintInfo, "replay and rotation counters are not collected")
	}
	if c.Sweep.MaxBatches == 0 && c.Sweep.BatchSize >= 10000 {
		add("sweep_unbounded", LintInfo, "one sweep may revoke an unbounded number of rows")
	}

	if c.Access.Enabled {
		if c.Access.TTL > 10*time.Minute {
			add("access_ttl_long", LintWarn, "access tokens outlive a replay burn by more than 10 minutes")
		}
		if c.Access.Leeway > time.Minute {
			add("leeway_large", LintWarn, "access token leeway exceeds one minute")
		}
		if c.Access.SigningMethod == "hs256" {
			add("signing_hs256", LintInfo, "hs256 shares the signing secret with every verifier")
		}
		if c.Access.TTL >= c.Token.TTL {
			add("access_ttl_exceeds_refresh", LintHigh, "access tokens outlive the refresh token that minted them")
		}
		if !c.Security.EnforceSessionVersion {
			add("session_version_unenforced", LintHigh, "access tokens stay valid after a replay burn")
		}
	}
	if c.Security.ProductionMode && !c.Access.RequireIAT && c.Access.Enabled {
		add("iat_not_required", LintInfo, "production access tokens may omit iat")
	}

	return ws
}
