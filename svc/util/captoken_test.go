package util

import (
	"errors"
	"testing"
	"time"
)

func initCapabilityForTest(t *testing.T) {
	t.Helper()
	if err := InitCapabilityKey([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { SetCapabilityClock(time.Now) })
}

func TestCapabilityRoundtrip(t *testing.T) {
	initCapabilityForTest(t)
	issued := time.Unix(1_700_000_000, 0)
	SetCapabilityClock(func() time.Time { return issued })

	issuedAtMs := issued.UnixMilli()
	token, err := IssueCapability("c-123", issuedAtMs)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyCapability("c-123", issuedAtMs, token, 2*time.Minute); err != nil {
		t.Errorf("verify at issue time failed: %v", err)
	}
}

func TestCapabilityExpiry(t *testing.T) {
	initCapabilityForTest(t)
	issued := time.Unix(1_700_000_000, 0)
	issuedAtMs := issued.UnixMilli()
	token, err := IssueCapability("c-123", issuedAtMs)
	if err != nil {
		t.Fatal(err)
	}

	window := 2 * time.Minute
	SetCapabilityClock(func() time.Time { return issued.Add(window) })
	if err := VerifyCapability("c-123", issuedAtMs, token, window); err != nil {
		t.Errorf("verify at exact window edge failed: %v", err)
	}

	SetCapabilityClock(func() time.Time { return issued.Add(window + time.Millisecond) })
	if err := VerifyCapability("c-123", issuedAtMs, token, window); !errors.Is(err, ErrCapabilityExpired) {
		t.Errorf("got %v, want ErrCapabilityExpired", err)
	}
}

func TestCapabilityRejectsFutureTimestamp(t *testing.T) {
	initCapabilityForTest(t)
	now := time.Unix(1_700_000_000, 0)
	SetCapabilityClock(func() time.Time { return now })

	issuedAtMs := now.Add(time.Second).UnixMilli()
	token, err := IssueCapability("c-123", issuedAtMs)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyCapability("c-123", issuedAtMs, token, 2*time.Minute); !errors.Is(err, ErrCapabilityFuture) {
		t.Errorf("got %v, want ErrCapabilityFuture", err)
	}
}

func TestCapabilityForgeryRejected(t *testing.T) {
	initCapabilityForTest(t)
	issued := time.Unix(1_700_000_000, 0)
	SetCapabilityClock(func() time.Time { return issued })
	issuedAtMs := issued.UnixMilli()
	token, err := IssueCapability("c-123", issuedAtMs)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name       string
		commentID  string
		issuedAtMs int64
		token      string
	}{
		{"wrong comment", "c-999", issuedAtMs, token},
		{"wrong timestamp", "c-123", issuedAtMs + 1, token},
		{"mangled token", "c-123", issuedAtMs, token[:len(token)-2]},
		{"not base64", "c-123", issuedAtMs, "!!!not-base64url!!!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyCapability(tc.commentID, tc.issuedAtMs, tc.token, 2*time.Minute)
			if !errors.Is(err, ErrCapabilityForged) {
				t.Errorf("got %v, want ErrCapabilityForged", err)
			}
		})
	}
}

func TestInitCapabilityKeyEntropy(t *testing.T) {
	if err := InitCapabilityKey([]byte("short")); err == nil {
		t.Error("accepted a short key")
	}
	if err := InitCapabilityKey(make([]byte, 64)); err == nil {
		t.Error("accepted an all-zero key")
	}
}
