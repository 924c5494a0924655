package goRefresh

import (
	"context"
	"errors"
	"testing"
	"time"
)

func accessTestConfig(c *Config) {
	preset := DefaultConfig()
	c.Access = preset.Access
}

func TestAccessTokensDisabledByDefault(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	res := mustIssue(t, e)
	if res.AccessToken != "" {
		t.Fatal("access token minted while disabled")
	}
	if _, err := e.ValidateAccess(context.Background(), "x.y.z"); !errors.Is(err, ErrAccessTokensDisabled) {
		t.Fatalf("expected ErrAccessTokensDisabled, got %v", err)
	}
}

func TestAccessTokenCarriesSessionVersion(t *testing.T) {
	e, _ := newTestEngine(t, accessTestConfig)
	ctx := context.Background()

	issued := mustIssue(t, e)
	if issued.AccessToken == "" {
		t.Fatal("expected access token on issue")
	}
	claims, err := e.ValidateAccess(ctx, issued.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.SID != testSession || claims.UID != testUser || claims.SessionVersion != issued.SessionVersion {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ID != issued.Token.UUID {
		t.Fatalf("jti = %q, want refresh uuid %q", claims.ID, issued.Token.UUID)
	}

	rotated, err := e.Rotate(ctx, issued.RefreshToken, testSession)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.AccessToken == "" {
		t.Fatal("expected access token on rotate")
	}
	if _, err := e.ValidateAccess(ctx, rotated.AccessToken); err != nil {
		t.Fatalf("rotated access token rejected: %v", err)
	}
}

func TestReplayMakesOutstandingAccessTokensStale(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		accessTestConfig(c)
		c.Metrics.Enabled = true
	})
	ctx := context.Background()

	issued := mustIssue(t, e)
	rotated, err := e.Rotate(ctx, issued.RefreshToken, testSession)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := e.Rotate(ctx, issued.RefreshToken, testSession); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected replay, got %v", err)
	}

	for name, token := range map[string]string{"issued": issued.AccessToken, "rotated": rotated.AccessToken} {
		if _, err := e.ValidateAccess(ctx, token); !errors.Is(err, ErrAccessTokenStale) {
			t.Fatalf("%s access token: expected ErrAccessTokenStale, got %v", name, err)
		}
	}
	if got := e.MetricsSnapshot().Counters[MetricAccessStale]; got != 2 {
		t.Fatalf("stale counter = %d, want 2", got)
	}

	fresh := mustIssue(t, e)
	if _, err := e.ValidateAccess(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("access token minted after the bump must validate: %v", err)
	}
}

func TestStaleCheckCanBeDisabled(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		accessTestConfig(c)
		c.Security.EnforceSessionVersion = false
	})
	ctx := context.Background()

	issued := mustIssue(t, e)
	if _, err := e.RevokeSession(ctx, testSession); err != nil {
		t.Fatalf("revoke session: %v", err)
	}
	if _, err := e.ValidateAccess(ctx, issued.AccessToken); err != nil {
		t.Fatalf("unenforced version must not reject: %v", err)
	}
}

func TestAccessTokenRejectedWhenForeignOrExpired(t *testing.T) {
	e, be := newTestEngine(t, accessTestConfig)
	other, _ := newTestEngine(t, accessTestConfig)
	ctx := context.Background()

	foreign := mustIssue(t, other)
	if _, err := e.ValidateAccess(ctx, foreign.AccessToken); !errors.Is(err, ErrAccessTokenInvalid) {
		t.Fatalf("expected ErrAccessTokenInvalid for a foreign key, got %v", err)
	}

	issued := mustIssue(t, e)
	be.clock.Advance(10 * time.Minute)
	if _, err := e.ValidateAccess(ctx, issued.AccessToken); !errors.Is(err, ErrAccessTokenInvalid) {
		t.Fatalf("expected ErrAccessTokenInvalid after expiry, got %v", err)
	}
}
