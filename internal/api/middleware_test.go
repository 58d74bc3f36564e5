package api

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/warden/internal/errs"
	"go.uber.org/zap"
)

func TestAuthCache_FreshHit(t *testing.T) {
	cache := newAuthCache(1 * time.Minute)
	cache.set("wsk_abc123", &authCaller{ID: "caller_1", Name: "ci", Roles: []string{"agent"}})

	caller, hit, needsRefresh := cache.get("wsk_abc123")
	if !hit {
		t.Fatal("expected cache hit")
	}
	if needsRefresh {
		t.Error("fresh entry should not need refresh")
	}
	if caller.ID != "caller_1" {
		t.Errorf("expected caller_1, got %s", caller.ID)
	}
}

func TestAuthCache_Miss(t *testing.T) {
	cache := newAuthCache(1 * time.Minute)

	caller, hit, needsRefresh := cache.get("wsk_nonexistent")
	if hit {
		t.Error("expected cache miss")
	}
	if caller != nil {
		t.Error("expected nil caller on miss")
	}
	if needsRefresh {
		t.Error("miss should not need refresh")
	}
}

func TestAuthCache_StaleHit_ReturnsValueAndSignalsRefresh(t *testing.T) {
	cache := newAuthCache(1 * time.Millisecond) // Very short TTL
	cache.set("wsk_abc123", &authCaller{ID: "caller_1"})

	time.Sleep(5 * time.Millisecond) // Wait for expiration

	caller, hit, needsRefresh := cache.get("wsk_abc123")
	if !hit {
		t.Fatal("expected stale hit")
	}
	if !needsRefresh {
		t.Error("expired entry should signal refresh")
	}
	if caller == nil || caller.ID != "caller_1" {
		t.Error("stale hit should still return the caller")
	}
}

func TestAuthCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	cache := newAuthCache(1 * time.Millisecond)
	cache.set("wsk_abc123", &authCaller{ID: "caller_1"})

	time.Sleep(5 * time.Millisecond)

	// First stale read gets the refresh claim
	_, _, first := cache.get("wsk_abc123")
	if !first {
		t.Fatal("first stale read should signal refresh")
	}

	// Second stale read must not (someone already refreshing)
	caller, hit, second := cache.get("wsk_abc123")
	if !hit {
		t.Fatal("expected stale hit on second read")
	}
	if second {
		t.Error("second stale read should NOT signal refresh (already in progress)")
	}
	if caller == nil || caller.ID != "caller_1" {
		t.Error("second stale read should still return the caller")
	}
}

func TestAuthCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	cache := newAuthCache(1 * time.Millisecond)
	cache.set("wsk_abc123", &authCaller{ID: "caller_1"})

	time.Sleep(5 * time.Millisecond)

	if _, _, needsRefresh := cache.get("wsk_abc123"); !needsRefresh {
		t.Fatal("expected refresh signal")
	}

	// Simulate background refresh completing with updated data
	cache.set("wsk_abc123", &authCaller{ID: "caller_1", Roles: []string{"agent", "ops"}})

	caller, hit, needsRefresh := cache.get("wsk_abc123")
	if !hit {
		t.Fatal("expected hit after refresh")
	}
	if needsRefresh {
		t.Error("newly set entry should be fresh")
	}
	if len(caller.Roles) != 2 {
		t.Errorf("expected refreshed roles, got %v", caller.Roles)
	}
}

func TestAuthCache_ConcurrentStaleRefresh(t *testing.T) {
	cache := newAuthCache(1 * time.Millisecond)
	cache.set("wsk_key", &authCaller{ID: "caller_1"})

	time.Sleep(5 * time.Millisecond) // Expire

	// 50 goroutines read the stale entry — exactly one should win the claim
	var wg sync.WaitGroup
	var refreshCount int64
	var mu sync.Mutex

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, hit, needsRefresh := cache.get("wsk_key")
			if needsRefresh {
				mu.Lock()
				refreshCount++
				mu.Unlock()
			}
			if !hit {
				t.Error("expected stale hit")
			}
		}()
	}
	wg.Wait()

	if refreshCount != 1 {
		t.Errorf("expected exactly 1 refresh signal, got %d", refreshCount)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer wsk_abc123", "wsk_abc123", true},
		{"valid with space padding", "Bearer  wsk_abc123", "wsk_abc123", true},
		{"missing header", "", "", false},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", false},
		{"lowercase bearer", "bearer wsk_abc123", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/access/check", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, ok := extractBearerToken(r)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteOpError_StatusMapping(t *testing.T) {
	deps := &Dependencies{Logger: zap.NewNop()}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", errs.NotFound("server %s not found", "srv_1"), http.StatusNotFound},
		{"validation", errs.Validation("name is required"), http.StatusBadRequest},
		{"invalid state", errs.InvalidState("server is running"), http.StatusConflict},
		{"spawn failed", errs.SpawnFailed("spawn", nil), http.StatusBadGateway},
		{"probe timeout", errs.ProbeTimeout("probe", nil), http.StatusGatewayTimeout},
		{"uncoded", http.ErrServerClosed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			deps.writeOpError(w, tt.err, "operation failed")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func BenchmarkAuthCache_Get_FreshHit(b *testing.B) {
	cache := newAuthCache(5 * time.Minute)
	cache.set("wsk_bench_key", &authCaller{ID: "caller_bench", Roles: []string{"agent"}})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, hit, _ := cache.get("wsk_bench_key")
			if !hit {
				b.Fatal("expected hit")
			}
		}
	})
}
