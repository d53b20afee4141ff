package pow

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	preMagic  = "M"
	preWindow = 30 * time.Second
)

func solvePre(t *testing.T, challenge string, difficulty int) int64 {
	t.Helper()
	nonce, err := Solve(context.Background(), difficulty, challenge)
	if err != nil {
		t.Fatalf("solve pre challenge: %v", err)
	}
	return nonce
}

func TestVerifyPreHappyPath(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	challenge := IssuePreChallenge(now, preMagic)
	nonce := solvePre(t, challenge, 2)
	if err := VerifyPre(now, challenge, nonce, 2, preMagic, preWindow); err != nil {
		t.Errorf("VerifyPre rejected a valid challenge: %v", err)
	}
}

func TestVerifyPreMalformed(t *testing.T) {
	now := time.Now()
	cases := []string{
		"",
		"justoneword",
		"1:2:3",
		"notanumber:M",
	}
	for _, challenge := range cases {
		if err := VerifyPre(now, challenge, 0, 1, preMagic, preWindow); !errors.Is(err, ErrPreMalformed) {
			t.Errorf("VerifyPre(%q) = %v, want ErrPreMalformed", challenge, err)
		}
	}
}

func TestVerifyPreTimeWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	stale := IssuePreChallenge(now.Add(-preWindow-time.Second), preMagic)
	nonce := solvePre(t, stale, 1)
	if err := VerifyPre(now, stale, nonce, 1, preMagic, preWindow); !errors.Is(err, ErrPreExpired) {
		t.Errorf("stale challenge: got %v, want ErrPreExpired", err)
	}

	future := IssuePreChallenge(now.Add(5*time.Second), preMagic)
	nonce = solvePre(t, future, 1)
	if err := VerifyPre(now, future, nonce, 1, preMagic, preWindow); !errors.Is(err, ErrPreFuture) {
		t.Errorf("future challenge: got %v, want ErrPreFuture", err)
	}
}

func TestVerifyPreMagicMismatch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	challenge := IssuePreChallenge(now, "wrong")
	nonce := solvePre(t, challenge, 1)
	if err := VerifyPre(now, challenge, nonce, 1, preMagic, preWindow); !errors.Is(err, ErrPreMagic) {
		t.Errorf("got %v, want ErrPreMagic", err)
	}
}

func TestVerifyPreBadWork(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	challenge := IssuePreChallenge(now, preMagic)
	// Find a nonce that fails difficulty 4 but would pass shape checks.
	badNonce := int64(0)
	for Verify(4, challenge, badNonce) {
		badNonce++
	}
	if err := VerifyPre(now, challenge, badNonce, 4, preMagic, preWindow); !errors.Is(err, ErrPreWork) {
		t.Errorf("got %v, want ErrPreWork", err)
	}
}
