package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/envelope"
)

const testSecret = "test-secret"

var echo = &action.Action{CollectionID: "demo", ID: "echo", Permission: 5}

func newTestService(t *testing.T) *TokenService {
	t.Helper()
	svc, err := NewTokenService(testSecret, "action-gateway")
	if err != nil {
		t.Fatalf("auth:authenticator_test - NewTokenService failed: %v", err)
	}
	return svc
}

func requestWith(token string) *envelope.Request {
	req := &envelope.Request{ActionID: "echo"}
	if token != "" {
		req.SetHeader(AuthorizationHeader, token)
	}
	return req
}

type stubVerifier struct {
	claims *Claims
	err    error
	panics bool
}

func (s *stubVerifier) Verify(string) (*Claims, error) {
	if s.panics {
		panic("verifier exploded")
	}
	return s.claims, s.err
}

func TestIsPermitted(t *testing.T) {
	svc := newTestService(t)
	groups := NewGroupTable(map[string][]int{"g1": {5}, "g2": {7, 9}})
	authn := NewAuthenticator(svc, groups)

	access := func(groups ...string) string {
		tok, err := svc.IssueAccess("user-1", groups, time.Hour)
		if err != nil {
			t.Fatalf("auth:authenticator_test - IssueAccess failed: %v", err)
		}
		return tok
	}
	refresh, err := svc.IssueRefresh("user-1", time.Hour)
	if err != nil {
		t.Fatalf("auth:authenticator_test - IssueRefresh failed: %v", err)
	}
	expired, err := svc.IssueAccess("user-1", []string{"g1"}, -time.Minute)
	if err != nil {
		t.Fatalf("auth:authenticator_test - IssueAccess failed: %v", err)
	}
	other, _ := NewTokenService("another-secret", "action-gateway")
	forged, _ := other.IssueAccess("user-1", []string{"g1"}, time.Hour)
	wrongIssuer, _ := func() (string, error) {
		s, _ := NewTokenService(testSecret, "someone-else")
		return s.IssueAccess("user-1", []string{"g1"}, time.Hour)
	}()

	tests := []struct {
		name     string
		token    string
		required int
		want     bool
	}{
		{"public without credential", "", 0, true},
		{"public with garbage credential", "garbage", 0, true},
		{"missing credential", "", 5, false},
		{"blank credential", "   ", 5, false},
		{"granted via group", access("g1"), 5, true},
		{"granted via second group", access("g0", "g2"), 9, true},
		{"bearer prefix", "Bearer " + access("g1"), 5, true},
		{"lower-case bearer prefix", "bearer " + access("g1"), 5, true},
		{"group lacks permission", access("g2"), 5, false},
		{"unknown group", access("nobody"), 5, false},
		{"no groups", access(), 5, false},
		{"refresh token", refresh, 5, false},
		{"expired", expired, 5, false},
		{"bad signature", forged, 5, false},
		{"wrong issuer", wrongIssuer, 5, false},
		{"malformed", "not.a.jwt", 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := requestWith(tt.token)
			if got := authn.IsPermitted(req, tt.required, echo); got != tt.want {
				t.Errorf("auth:authenticator_test - IsPermitted() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestIsPermitted_PublicNeverReadsCredential(t *testing.T) {
	verifier := &stubVerifier{panics: true}
	authn := NewAuthenticator(verifier, NewGroupTable(nil))
	req := requestWith("anything")
	if !authn.IsPermitted(req, 0, echo) {
		t.Fatal("auth:authenticator_test - public action must be permitted")
	}
	if req.Auth != nil {
		t.Error("auth:authenticator_test - public action must not populate AuthContext")
	}
}

func TestIsPermitted_StoresClaimsOnSuccess(t *testing.T) {
	svc := newTestService(t)
	authn := NewAuthenticator(svc, NewGroupTable(map[string][]int{"g1": {5}}))
	tok, _ := svc.IssueAccess("user-42", []string{"g1"}, time.Hour)

	req := requestWith(tok)
	if !authn.IsPermitted(req, 5, echo) {
		t.Fatal("auth:authenticator_test - expected permitted")
	}
	if req.Auth == nil {
		t.Fatal("auth:authenticator_test - AuthContext not populated")
	}
	if req.Auth.Subject != "user-42" {
		t.Errorf("auth:authenticator_test - Subject = %q, want user-42", req.Auth.Subject)
	}
	if len(req.Auth.Groups) != 1 || req.Auth.Groups[0] != "g1" {
		t.Errorf("auth:authenticator_test - Groups = %v, want [g1]", req.Auth.Groups)
	}
	if req.Auth.ExpiresAt.Before(time.Now()) {
		t.Errorf("auth:authenticator_test - ExpiresAt %v should be in the future", req.Auth.ExpiresAt)
	}
}

func TestIsPermitted_RefreshDoesNotPopulateAuth(t *testing.T) {
	svc := newTestService(t)
	authn := NewAuthenticator(svc, NewGroupTable(map[string][]int{"g1": {5}}))
	tok, _ := svc.IssueRefresh("user-42", time.Hour)

	req := requestWith(tok)
	if authn.IsPermitted(req, 5, echo) {
		t.Fatal("auth:authenticator_test - refresh token must not be permitted")
	}
	if req.Auth != nil {
		t.Error("auth:authenticator_test - refresh token must not populate AuthContext")
	}
}

func TestIsPermitted_UnexpectedFailuresAreContained(t *testing.T) {
	tests := []struct {
		name     string
		verifier Verifier
	}{
		{"unrecognized error", &stubVerifier{err: errors.New("key store offline")}},
		{"panic", &stubVerifier{panics: true}},
		{"nil claims", &stubVerifier{}},
		{"nil verifier", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authn := NewAuthenticator(tt.verifier, NewGroupTable(map[string][]int{"g1": {5}}))
			if authn.IsPermitted(requestWith("token"), 5, echo) {
				t.Error("auth:authenticator_test - expected not permitted")
			}
		})
	}
}

func TestIsPermitted_MissingGroupResolver(t *testing.T) {
	svc := newTestService(t)
	tok, _ := svc.IssueAccess("user-42", []string{"g1"}, time.Hour)

	var table *GroupTable
	tests := []struct {
		name   string
		groups GroupResolver
	}{
		{"nil resolver", nil},
		{"nil table", table},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authn := NewAuthenticator(svc, tt.groups)
			req := requestWith(tok)
			if authn.IsPermitted(req, 5, echo) {
				t.Error("auth:authenticator_test - expected not permitted")
			}
			if req.Auth == nil || req.Auth.Subject != "user-42" {
				t.Errorf("auth:authenticator_test - verified claims should still be stored, got %+v", req.Auth)
			}
			if !authn.IsPermitted(requestWith(""), 0, echo) {
				t.Error("auth:authenticator_test - public action must stay permitted")
			}
		})
	}
}

func TestTokenService_Verify(t *testing.T) {
	svc := newTestService(t)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	tok, err := svc.IssueAccess("user-1", []string{"g1"}, time.Minute)
	if err != nil {
		t.Fatalf("auth:authenticator_test - IssueAccess failed: %v", err)
	}

	claims, err := svc.Verify(tok)
	if err != nil {
		t.Fatalf("auth:authenticator_test - Verify failed: %v", err)
	}
	if claims.IsRefresh() {
		t.Error("auth:authenticator_test - access token reported as refresh")
	}

	now = now.Add(2 * time.Minute)
	_, err = svc.Verify(tok)
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("auth:authenticator_test - Verify after expiry err = %v, want ErrTokenExpired", err)
	}
	if !isRejection(err) {
		t.Error("auth:authenticator_test - expiry should be a recognized rejection")
	}
}

func TestNewTokenService_EmptySecret(t *testing.T) {
	if _, err := NewTokenService("", "x"); err == nil {
		t.Error("auth:authenticator_test - expected error for empty secret")
	}
}

func TestGroupTable(t *testing.T) {
	table := NewGroupTable(map[string][]int{"admins": {3, 1, 2}})
	perms, ok := table.Permissions("admins")
	if !ok || len(perms) != 3 || perms[0] != 1 {
		t.Errorf("auth:authenticator_test - Permissions(admins) = %v, %t", perms, ok)
	}

	table.Merge(map[string][]int{"users": {4}})
	if table.Len() != 2 {
		t.Errorf("auth:authenticator_test - Len() = %d after Merge, want 2", table.Len())
	}

	table.Replace(map[string][]int{"ops": {8}})
	if _, ok := table.Permissions("admins"); ok {
		t.Error("auth:authenticator_test - Replace should drop old groups")
	}
}
