package test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"remarq/cfg"
	"remarq/svc/api"
	"remarq/svc/auth"
	"remarq/svc/cache"
	"remarq/svc/db"
	"remarq/svc/lim"
	"remarq/svc/pow"
	"remarq/svc/svc"
	"remarq/svc/util"
)

const (
	testMagicWord     = "orbital-hamster"
	testAdminUser     = "admin"
	testAdminPassword = "correct horse battery staple"
	testIterations    = 100_000
)

var (
	testChallengeSecret  = []byte("challenge-secret-32-bytes-long!!")
	testCapabilitySecret = []byte("capability-secret-32-bytes-long!")
	testSessionSecret    = []byte("session-secret-at-least-32-bytes")
	testPepper           = []byte("pepper-secret-at-least-32-bytes!")
	testAdminSalt        = []byte("sixteen-byte-salt")

	initOnce    sync.Once
	envLoadOnce sync.Once
)

func loadTestEnv() {
	envLoadOnce.Do(func() {
		for _, p := range []string{".env.test", "../.env.test"} {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					_ = godotenv.Load(absPath)
					return
				}
			}
		}
	})
}

func initGlobals(t *testing.T) {
	t.Helper()
	loadTestEnv()
	var initErr error
	initOnce.Do(func() {
		util.InitLog("error", false)
		if err := util.InitCapabilityKey(testCapabilitySecret); err != nil {
			initErr = err
			return
		}
		initErr = util.InitIPHasher(testPepper, time.Hour)
	})
	if initErr != nil {
		t.Fatal(initErr)
	}
}

func createTestConfig() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		LogLevel:       "error",
		DatabasePath:   ":memory:",
		LRUCacheSize:   1000,
		ThreadCacheTTL: 30 * time.Second,
		RateLimit: cfg.RateLimitCfg{
			RPM:               100000,
			Burst:             10000,
			ConservativeLimit: 50000,
		},
		MaxMessageSize:         16 * 1024,
		PreDifficulty:          2,
		FormalDifficulty:       3,
		MagicWord:              cfg.NewSecret(testMagicWord),
		PreChallengeWindow:     30 * time.Second,
		ChallengeExpiry:        5 * time.Minute,
		ChallengeSecret:        cfg.NewSecret(string(testChallengeSecret)),
		CapabilitySecret:       cfg.NewSecret(string(testCapabilitySecret)),
		EditWindow:             2 * time.Minute,
		AdminUsername:          testAdminUser,
		AdminPasswordHash:      auth.HashPassword(testAdminPassword, testAdminSalt, testIterations),
		AdminPasswordSalt:      hex.EncodeToString(testAdminSalt),
		AdminPBKDF2Iterations:  testIterations,
		SessionSecret:          cfg.NewSecret(string(testSessionSecret)),
		SessionDuration:        time.Hour,
		MaxLoginAttempts:       3,
		LoginFailureWindow:     15 * time.Minute,
		LoginBlockTTL:          time.Hour,
		SecretSource:           "env",
		ContextTimeout:         30 * time.Second,
		DBMaxOpenConns:         50,
		DBMaxIdleConns:         10,
		DBQueryTimeout:         10 * time.Second,
		CleanupInterval:        10 * time.Minute,
		Pepper:                 cfg.NewSecret(string(testPepper)),
		IPHashRotationInterval: time.Hour,
	}
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	sqlDB, err := db.NewSQLiteWithConfig(dsn, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return sqlDB
}

type testServer struct {
	ts       *httptest.Server
	cfg      *cfg.Cfg
	comments *svc.Comment
	db       *db.SQLite
}

func (s *testServer) URL() string { return s.ts.URL }

func setupTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	initGlobals(t)
	c := createTestConfig()

	sqlDB := createTestDB(t, c)
	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	challenger, err := pow.NewChallenger([]byte(c.ChallengeSecret.Value()), nil)
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := auth.NewPasswordVerifier(c.AdminUsername, c.AdminPasswordHash, c.AdminPasswordSalt, c.AdminPBKDF2Iterations)
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := auth.NewSessionManager([]byte(c.SessionSecret.Value()), c.SessionDuration)
	if err != nil {
		t.Fatal(err)
	}
	authenticator, err := auth.NewAuthenticator(verifier, sessions, sqlDB, sqlDB, c.MaxLoginAttempts, c.LoginFailureWindow, c.LoginBlockTTL)
	if err != nil {
		t.Fatal(err)
	}
	authenticator.SetSleep(func(time.Duration) {})

	comments := svc.NewComment(sqlDB, lru, nil, challenger, c)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, c.TrustedProxies)

	srv := api.NewServer(c, comments, authenticator, limiter, sqlDB, nil)
	ts := httptest.NewServer(srv)

	s := &testServer{ts: ts, cfg: c, comments: comments, db: sqlDB}
	cleanup := func() {
		ts.Close()
		limiter.Stop()
		sqlDB.Close()
	}
	return s, cleanup
}

func postJSON(t *testing.T, url string, body interface{}, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	jsonBody, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
}

func postJSONErr(url string, body interface{}) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

// tryObtainChallenge runs the pre-stage gate and returns a signed formal
// challenge from the server.
func tryObtainChallenge(s *testServer) (string, error) {
	pre := pow.IssuePreChallenge(time.Now(), s.cfg.MagicWord.Value())
	preNonce, err := pow.Solve(context.Background(), s.cfg.PreDifficulty, pre)
	if err != nil {
		return "", err
	}
	resp, err := postJSONErr(s.URL()+"/challenges", map[string]interface{}{
		"pre_challenge": pre,
		"pre_nonce":     preNonce,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("challenge request: status %d, body %s", resp.StatusCode, data)
	}
	var cr struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", err
	}
	if cr.Challenge == "" {
		return "", fmt.Errorf("empty challenge in response")
	}
	return cr.Challenge, nil
}

func obtainChallenge(t *testing.T, s *testServer) string {
	t.Helper()
	challenge, err := tryObtainChallenge(s)
	if err != nil {
		t.Fatal(err)
	}
	return challenge
}

type createResult struct {
	CommentID       string `json:"comment_id"`
	IssuedAtMs      int64  `json:"issued_at_ms"`
	CapabilityToken string `json:"capability_token"`
}

// tryCreateComment walks the full two-stage gate and posts a comment.
// Safe to call from worker goroutines.
func tryCreateComment(s *testServer, target, message string) (createResult, error) {
	var result createResult
	challenge, err := tryObtainChallenge(s)
	if err != nil {
		return result, err
	}
	nonce, err := pow.Solve(context.Background(), s.cfg.FormalDifficulty, challenge+":"+target)
	if err != nil {
		return result, err
	}
	resp, err := postJSONErr(s.URL()+"/comments", map[string]interface{}{
		"target":    target,
		"challenge": challenge,
		"nonce":     nonce,
		"message":   message,
	})
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, err
	}
	if resp.StatusCode != http.StatusCreated {
		return result, fmt.Errorf("create comment: status %d, body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, err
	}
	if result.CommentID == "" || result.CapabilityToken == "" {
		return result, fmt.Errorf("incomplete create response: %+v", result)
	}
	return result, nil
}

func createComment(t *testing.T, s *testServer, target, message string) createResult {
	t.Helper()
	result, err := tryCreateComment(s, target, message)
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func mutateComment(t *testing.T, s *testServer, method, id string, created createResult, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(jsonBody)
	}
	req, err := http.NewRequest(method, s.URL()+"/comments/"+id, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Capability-Token", created.CapabilityToken)
	req.Header.Set("X-Capability-Issued-At", fmt.Sprintf("%d", created.IssuedAtMs))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func listComments(t *testing.T, s *testServer, target string) []map[string]interface{} {
	t.Helper()
	resp, err := http.Get(s.URL() + "/comments/" + target)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("list comments: status %d", resp.StatusCode)
	}
	var thread []map[string]interface{}
	decodeBody(t, resp, &thread)
	return thread
}
