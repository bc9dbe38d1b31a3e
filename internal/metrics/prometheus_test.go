package metrics

import (
	"testing"
	"time"
)

// Each Registry owns a private Prometheus registry, so two instances must not
// collide on metric names.
func TestNewIsIsolated(t *testing.T) {
	a := New()
	b := New()
	if a == nil || b == nil {
		t.Fatal("New returned nil")
	}
	a.SetBuildInfo("1.0.0")
	b.SetBuildInfo("2.0.0")
}

func TestRegistryAcceptsObservations(t *testing.T) {
	m := New()

	m.IncInFlight()
	m.DecInFlight()
	m.ObserveHTTP("chat_completions", 200, 12*time.Millisecond)
	m.ObserveCompletion("openai", "success", false, 200*time.Millisecond)
	m.ObserveCompletion("openai", "success", true, time.Millisecond)
	m.ObserveBackendAttempt("openai", "http_503", 50*time.Millisecond)
	m.RecordRetry("openai")
	m.RecordFailover("openai", "anthropic", "http_503")
	m.RecordFailoverExhausted("openai")
	m.RecordQuota("free", false)
	m.CacheGetHit()
	m.CacheGetMiss()
	m.CacheGetBypass()
	m.CacheSetOK()
	m.CacheSetError()
	m.AddTokens("openai", 100, 50, false)
	m.AddCost("openai", "gpt-4o", 0.002)
	m.SetBackendHealth("openai", true)
	m.RecordError("openai", "timeout")

	if m.Handler() == nil {
		t.Error("Handler() returned nil")
	}
}

func TestRegisterDroppedUsageFunc(t *testing.T) {
	m := New()
	m.RegisterDroppedUsageFunc(func() float64 { return 42 })
}
