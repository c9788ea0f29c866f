package arcade

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goodtune/playtime/internal/session"
	"github.com/rs/zerolog"
)

func TestOPAAuthorizerBuiltinPolicy(t *testing.T) {
	authz, err := NewOPAAuthorizer("", zerolog.Nop())
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}

	owned := &session.Record{ID: "s1", Status: session.StatusActive, PlayerID: "alice"}
	other := &session.Record{ID: "s2", Status: session.StatusActive, PlayerID: "bob"}
	alice := Actor{ID: "u1", Username: "alice", Role: "player"}
	staff := Actor{ID: "u2", Username: "desk", Role: "staff"}

	tests := []struct {
		name   string
		actor  Actor
		op     string
		rec    *session.Record
		allow  bool
		reason string
	}{
		{"staff terminate", staff, "terminate", other, true, ""},
		{"staff create", staff, OpCreate, nil, true, ""},
		{"admin activate", Actor{Username: "root", Role: "admin"}, OpActivate, nil, true, ""},
		{"player pauses own", alice, "pause", owned, true, ""},
		{"player views own", alice, OpView, owned, true, ""},
		{"player pauses other", alice, "pause", other, false, "session belongs to another player"},
		{"player terminates own", alice, "terminate", owned, false, "not permitted for role"},
		{"player lists", alice, OpList, nil, false, "not permitted for role"},
		{"unknown role", Actor{Username: "x", Role: "guest"}, OpView, owned, false, "not permitted for role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authz.Authorize(context.Background(), tt.actor, tt.op, tt.rec)
			if tt.allow {
				if err != nil {
					t.Fatalf("expected allow, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrForbidden) {
				t.Fatalf("expected forbidden, got %v", err)
			}
			var pe *PolicyError
			if !errors.As(err, &pe) || pe.Reason != tt.reason {
				t.Fatalf("expected reason %q, got %v", tt.reason, err)
			}
		})
	}
}

func TestOPAAuthorizerPolicyDir(t *testing.T) {
	dir := t.TempDir()
	policy := `package playtime.actions

import rego.v1

default decision := {"allow": false, "reason": "closed"}
`
	if err := os.WriteFile(filepath.Join(dir, "closed.rego"), []byte(policy), 0o600); err != nil {
		t.Fatal(err)
	}

	authz, err := NewOPAAuthorizer(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	err = authz.Authorize(context.Background(), Actor{Username: "root", Role: "admin"}, OpList, nil)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected custom policy to deny, got %v", err)
	}

	open := `package playtime.actions

import rego.v1

default decision := {"allow": true, "reason": "open"}
`
	if err := os.WriteFile(filepath.Join(dir, "closed.rego"), []byte(open), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := authz.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := authz.Authorize(context.Background(), Actor{Username: "root", Role: "admin"}, OpList, nil); err != nil {
		t.Fatalf("expected reloaded policy to allow, got %v", err)
	}
}

func TestOPAAuthorizerRejectsBadPolicy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.rego"), []byte("package broken\n\nthis is not rego"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewOPAAuthorizer(dir, zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid policy")
	}

	if _, err := NewOPAAuthorizer(t.TempDir(), zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty policy directory")
	}
}
