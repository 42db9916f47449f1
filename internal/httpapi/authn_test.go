package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"pishop.app/internal/auth"
	"pishop.app/internal/identity"
)

type stubSessions struct {
	users map[string]string
}

func (s stubSessions) Verify(context.Context, string) (identity.Result, error) {
	return identity.Result{}, identity.ErrInvalidToken
}

func (s stubSessions) VerifySession(token string) (string, error) {
	if id, ok := s.users[token]; ok {
		return id, nil
	}
	return "", auth.ErrExpiredOrInvalidSession
}

func TestSessionPutsUserOnContext(t *testing.T) {
	a := &API{auth: stubSessions{users: map[string]string{"sess-1": "u_1"}}}
	var got string
	handler := a.session(func(w http.ResponseWriter, r *http.Request) {
		got = callerID(r)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/payments", nil)
	req.Header.Set(authHeader, "bearer sess-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || got != "u_1" {
		t.Fatalf("expected 200 for u_1, got %d %q", rr.Code, got)
	}
}

func TestSessionRejectsBadCredentials(t *testing.T) {
	a := &API{auth: stubSessions{}}
	handler := a.session(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer expired"} {
		req := httptest.NewRequest(http.MethodGet, "/payments", nil)
		if header != "" {
			req.Header.Set(authHeader, header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, rr.Code)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		want string
		err  error
	}{
		"Bearer abc":   {want: "abc"},
		"BEARER  abc ": {want: "abc"},
		"":             {err: errMissingBearer},
		"Bearer":       {err: errBadScheme},
		"Token abc":    {err: errBadScheme},
	}
	for header, tc := range cases {
		got, err := extractBearerToken(header)
		if err != tc.err || got != tc.want {
			t.Errorf("%q: got (%q, %v), want (%q, %v)", header, got, err, tc.want, tc.err)
		}
	}
}
