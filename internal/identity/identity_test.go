package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pishop.app/internal/auth"
	"pishop.app/internal/ledger"
)

type fakeProvider struct {
	tokens map[string]Identity
	err    error
}

func (f *fakeProvider) Me(ctx context.Context, tok string) (Identity, error) {
	if f.err != nil {
		return Identity{}, f.err
	}
	id, ok := f.tokens[tok]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

func newVerifier(t *testing.T, p Provider) (*Verifier, *ledger.InMemory) {
	t.Helper()
	iss, err := auth.NewIssuer("test-secret-0123456789")
	if err != nil {
		t.Fatal(err)
	}
	store := ledger.NewInMemory()
	return NewVerifier(p, store, iss), store
}

func TestVerifyCreatesUserOnceAndIssuesSession(t *testing.T) {
	p := &fakeProvider{tokens: map[string]Identity{
		"tok1": {ExternalID: "u1", Username: "alice", Email: "a@x.com"},
	}}
	v, _ := newVerifier(t, p)
	ctx := context.Background()

	first, err := v.Verify(ctx, "tok1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if first.User.ExternalID != "u1" || first.User.Username != "alice" {
		t.Fatalf("unexpected user %+v", first.User)
	}
	if first.SessionToken == "" || first.ExpiresAt.IsZero() {
		t.Fatal("expected session token")
	}
	uid, err := v.VerifySession(first.SessionToken)
	if err != nil || uid != first.User.ID {
		t.Fatalf("VerifySession = %q, %v", uid, err)
	}

	second, err := v.Verify(ctx, "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if second.User.ID != first.User.ID {
		t.Fatalf("duplicate user created: %s vs %s", second.User.ID, first.User.ID)
	}
}

func TestVerifyInvalidTokenCreatesNoUser(t *testing.T) {
	v, store := newVerifier(t, &fakeProvider{tokens: map[string]Identity{}})
	if _, err := v.Verify(context.Background(), "bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := store.FindUserByExternalID(context.Background(), "bogus"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("no user expected, got %v", err)
	}
}

func TestVerifyRefreshesProfileKeepsID(t *testing.T) {
	p := &fakeProvider{tokens: map[string]Identity{
		"tok1": {ExternalID: "u1", Username: "alice", Email: "a@x.com"},
	}}
	v, _ := newVerifier(t, p)
	ctx := context.Background()
	first, _ := v.Verify(ctx, "tok1")

	p.tokens["tok2"] = Identity{ExternalID: "u1", Username: "alice_renamed", Email: "new@x.com"}
	second, err := v.Verify(ctx, "tok2")
	if err != nil {
		t.Fatal(err)
	}
	if second.User.ID != first.User.ID || second.User.Username != "alice_renamed" || second.User.Email != "new@x.com" {
		t.Fatalf("unexpected refresh result %+v", second.User)
	}
}

func TestVerifyConcurrentFirstLogin(t *testing.T) {
	p := &fakeProvider{tokens: map[string]Identity{"tok": {ExternalID: "u1", Username: "alice"}}}
	v, _ := newVerifier(t, p)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := v.Verify(context.Background(), "tok")
			if err != nil {
				t.Errorf("Verify: %v", err)
				return
			}
			mu.Lock()
			ids[res.User.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != 1 {
		t.Fatalf("expected one user id, got %v", ids)
	}
}

func TestVerifySessionRejectsGarbage(t *testing.T) {
	v, _ := newVerifier(t, &fakeProvider{})
	if _, err := v.VerifySession("not-a-jwt"); !errors.Is(err, auth.ErrExpiredOrInvalidSession) {
		t.Fatalf("expected ErrExpiredOrInvalidSession, got %v", err)
	}
}

func TestPiProviderMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/me" {
			http.NotFound(w, r)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer tok1":
			w.Write([]byte(`{"uid":"u1","username":"alice","email":"a@x.com"}`))
		case "Bearer empty":
			w.Write([]byte(`{"username":"ghost"}`))
		case "Bearer garbage":
			w.Write([]byte(`<html>`))
		case "Bearer boom":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	p := NewPiProvider(srv.URL+"/", time.Second)
	id, err := p.Me(context.Background(), "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if id.ExternalID != "u1" || id.Username != "alice" || id.Email != "a@x.com" {
		t.Fatalf("unexpected identity %+v", id)
	}

	for _, tok := range []string{"expired", "empty", "garbage", ""} {
		if _, err := p.Me(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", tok, err)
		}
	}
	if _, err := p.Me(context.Background(), "boom"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on 5xx, got %v", err)
	}
}

func TestPiProviderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewPiProvider(url, 200*time.Millisecond)
	if _, err := p.Me(context.Background(), "tok"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
