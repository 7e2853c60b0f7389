package mqttbridge

import "testing"

func TestMessageRateLimiterAllowsUnderLimit(t *testing.T) {
	r := newMessageRateLimiter(3, 0, nil)
	for i := 0; i < 3; i++ {
		if !r.allow() {
			t.Fatalf("message %d should be allowed", i)
		}
	}
}

func TestMessageRateLimiterDropsOverLimit(t *testing.T) {
	r := newMessageRateLimiter(2, 0, nil)
	r.allow()
	r.allow()
	if r.allow() {
		t.Fatal("3rd message should be dropped")
	}
	if r.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", r.dropped.Load())
	}
}
