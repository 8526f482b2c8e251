package admission

import (
	"testing"
	"time"
)

func TestWindowKey(t *testing.T) {
	now := time.Unix(120, 0)

	t.Run("same window same key", func(t *testing.T) {
		a := WindowKey(PurposeMessage, "ch1", "agent1", time.Minute, now)
		b := WindowKey(PurposeMessage, "ch1", "agent1", time.Minute, now.Add(30*time.Second))
		if a != b {
			t.Errorf("keys differ within one window: %s vs %s", a, b)
		}
	})

	t.Run("next window new key", func(t *testing.T) {
		a := WindowKey(PurposeMessage, "ch1", "agent1", time.Minute, now)
		b := WindowKey(PurposeMessage, "ch1", "agent1", time.Minute, now.Add(time.Minute))
		if a == b {
			t.Errorf("key did not roll over: %s", a)
		}
	})

	t.Run("dimensions partition the keyspace", func(t *testing.T) {
		base := WindowKey(PurposeMessage, "ch1", "agent1", time.Minute, now)
		variants := []string{
			WindowKey(PurposeAPI, "ch1", "agent1", time.Minute, now),
			WindowKey(PurposeMessage, "ch2", "agent1", time.Minute, now),
			WindowKey(PurposeMessage, "ch1", "agent2", time.Minute, now),
		}
		for _, v := range variants {
			if v == base {
				t.Errorf("key collision: %s", v)
			}
		}
	})

	t.Run("key shape", func(t *testing.T) {
		got := WindowKey(PurposeMessage, "ch1", "agent1", time.Minute, now)
		want := "rl:msg:ch1:agent1:2"
		if got != want {
			t.Errorf("key = %s, want %s", got, want)
		}
	})
}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	tok, err := m.Generate("agent-1", "alice_bot", "agent", "token-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := m.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.AgentID != "agent-1" || claims.Username != "alice_bot" || claims.TokenID != "token-1" {
		t.Errorf("claims damaged: %+v", claims)
	}
}

func TestJWTExpired(t *testing.T) {
	m := NewJWTManager("test-secret", -time.Minute)

	tok, err := m.Generate("agent-1", "alice_bot", "agent", "token-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.Verify(tok); err != ErrTokenExpired {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestJWTWrongSecret(t *testing.T) {
	tok, err := NewJWTManager("secret-a", time.Hour).Generate("agent-1", "alice_bot", "agent", "token-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := NewJWTManager("secret-b", time.Hour).Verify(tok); err == nil {
		t.Error("token signed with another secret verified")
	}
}
