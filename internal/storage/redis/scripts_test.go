package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestCreateSessionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	tests := []struct {
		name       string
		sessionID  string
		invoice    string
		want       string
		wantInvKey bool
	}{
		{name: "create with invoice", sessionID: "s1", invoice: "inv-1", want: "OK", wantInvKey: true},
		{name: "create without invoice", sessionID: "s2", want: "OK"},
		{name: "duplicate id", sessionID: "s1", want: "EXISTS"},
		{name: "duplicate invoice", sessionID: "s3", invoice: "inv-1", want: "EXISTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hasInvoice := "0"
			invKey := "playtime:sessions:invoice:-"
			if tt.invoice != "" {
				hasInvoice = "1"
				invKey = "playtime:sessions:invoice:" + tt.invoice
			}

			result, err := client.Eval(ctx, createSessionScript, []string{
				"playtime:session:" + tt.sessionID,
				"playtime:sessions:status:ready",
				invKey,
				"playtime:sessions:all",
			}, tt.sessionID, hasInvoice, 1000, "playtime:session:", "id", tt.sessionID, "status", "ready", "version", "1").Text()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if result != tt.want {
				t.Fatalf("Script returned %q, want %q", result, tt.want)
			}
			if result != "OK" {
				return
			}

			isMember, _ := client.SIsMember(ctx, "playtime:sessions:status:ready", tt.sessionID).Result()
			if !isMember {
				t.Error("Session should be in the ready index")
			}
			if tt.wantInvKey {
				id, err := client.Get(ctx, invKey).Result()
				if err != nil || id != tt.sessionID {
					t.Errorf("Invoice key = %q, %v; want %q", id, err, tt.sessionID)
				}
			}
			if mr.Exists("playtime:sessions:invoice:-") {
				t.Error("Placeholder invoice key must never be written")
			}
		})
	}

	// An invoice pointing at an expired session can be claimed again.
	mr.Set("playtime:sessions:invoice:inv-old", "gone")
	result, err := client.Eval(ctx, createSessionScript, []string{
		"playtime:session:s4",
		"playtime:sessions:status:ready",
		"playtime:sessions:invoice:inv-old",
		"playtime:sessions:all",
	}, "s4", "1", 1000, "playtime:session:", "id", "s4", "status", "ready", "version", "1").Text()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result != "OK" {
		t.Fatalf("dangling invoice: got %q, want OK", result)
	}
	if owner, _ := mr.Get("playtime:sessions:invoice:inv-old"); owner != "s4" {
		t.Errorf("invoice owner = %q, want s4", owner)
	}
}

func TestUpdateSessionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	key := "playtime:session:s1"

	invKey := "playtime:sessions:invoice:inv-1"

	client.HSet(ctx, key, "id", "s1", "status", "active", "version", "3")
	client.SAdd(ctx, "playtime:sessions:status:active", "s1")
	client.Set(ctx, invKey, "s1", 0)

	run := func(expected string, status string, retention int) string {
		t.Helper()
		result, err := client.Eval(ctx, updateSessionScript, []string{
			key,
			"playtime:sessions:status:" + status,
			invKey,
		}, "s1", expected, "playtime:sessions:status:", status, retention, "1", "status", status, "version", "4").Text()
		if err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
		return result
	}

	if got := run("2", "paused", 0); got != "CONFLICT" {
		t.Fatalf("stale version: got %q, want CONFLICT", got)
	}
	if status := mr.HGet(key, "status"); status != "active" {
		t.Fatalf("conflicting write changed status to %q", status)
	}

	if got := run("3", "terminated", 3600); got != "OK" {
		t.Fatalf("matching version: got %q, want OK", got)
	}
	if mr.HGet(key, "version") != "4" {
		t.Errorf("version = %q, want 4", mr.HGet(key, "version"))
	}

	active, _ := client.SIsMember(ctx, "playtime:sessions:status:active", "s1").Result()
	terminated, _ := client.SIsMember(ctx, "playtime:sessions:status:terminated", "s1").Result()
	if active || !terminated {
		t.Errorf("status indexes not moved: active=%v terminated=%v", active, terminated)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Errorf("terminal session should carry a TTL, got %v", ttl)
	}
	if ttl := mr.TTL(invKey); ttl != mr.TTL(key) {
		t.Errorf("invoice key TTL = %v, want %v", ttl, mr.TTL(key))
	}

	client.Del(ctx, key)
	if got := run("4", "paused", 0); got != "NOT_FOUND" {
		t.Fatalf("missing session: got %q, want NOT_FOUND", got)
	}
}
