package control

import (
	"testing"
	"time"
)

func TestRateLimiterBlocksAfterMaxAttempts(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute, time.Minute)
	ip := "10.0.0.1"

	for i := 0; i < 2; i++ {
		if rl.RecordFailure(ip) {
			t.Fatalf("expected not blocked on attempt %d", i+1)
		}
	}
	if !rl.RecordFailure(ip) {
		t.Fatal("expected blocked on third attempt")
	}
	if !rl.IsBlocked(ip) {
		t.Fatal("expected IsBlocked true after reaching max attempts")
	}
}

func TestRateLimiterRecordSuccessClears(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute, time.Minute)
	ip := "10.0.0.2"
	rl.RecordFailure(ip)
	rl.RecordSuccess(ip)
	if rl.IsBlocked(ip) {
		t.Fatal("expected not blocked after success clears history")
	}
}

func TestRateLimiterDisabledWhenMaxAttemptsZero(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute, time.Minute)
	ip := "10.0.0.3"
	for i := 0; i < 10; i++ {
		rl.RecordFailure(ip)
	}
	if rl.IsBlocked(ip) {
		t.Fatal("expected rate limiting disabled when maxAttempts is 0")
	}
}
