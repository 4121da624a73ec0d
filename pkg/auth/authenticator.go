package auth

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/envelope"
)

const logPrefix = "auth:authenticator"

// AuthorizationHeader is the request header carrying the bearer credential.
const AuthorizationHeader = "Authorization"

// Authenticator gates actions on a bearer credential and group permissions.
type Authenticator struct {
	verifier Verifier
	groups   GroupResolver
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(verifier Verifier, groups GroupResolver) *Authenticator {
	return &Authenticator{verifier: verifier, groups: groups}
}

// IsPermitted reports whether req may invoke act, which requires permission
// code required. Public actions (required == 0) never look at the credential.
// On success of credential verification the decoded claims are stored in
// req.Auth, even when no group ends up granting the permission.
func (a *Authenticator) IsPermitted(req *envelope.Request, required int, act *action.Action) bool {
	if required == 0 {
		return true
	}

	token := bearer(req.Header(AuthorizationHeader))
	if token == "" {
		return false
	}

	claims, ok := a.verify(token, act)
	if !ok {
		return false
	}
	if claims.IsRefresh() {
		return false
	}

	authCtx := &envelope.AuthContext{
		Subject: claims.Subject,
		Groups:  append([]string(nil), claims.Groups...),
	}
	if claims.ExpiresAt != nil {
		authCtx.ExpiresAt = claims.ExpiresAt.Time
	}
	req.Auth = authCtx

	if a.groups == nil {
		slog.Error(fmt.Sprintf("%s - no group resolver configured, refusing %s", logPrefix, act.Key()))
		return false
	}
	for _, groupID := range claims.Groups {
		perms, ok := a.groups.Permissions(groupID)
		if !ok {
			continue
		}
		for _, p := range perms {
			if p == required {
				return true
			}
		}
	}
	return false
}

// verify runs the verifier, treating every failure as "not permitted". Faults
// other than ordinary credential rejections, including panics, are logged.
func (a *Authenticator) verify(token string, act *action.Action) (claims *Claims, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - token verification panicked for %s: %v", logPrefix, act.Key(), r))
			claims, ok = nil, false
		}
	}()

	if a.verifier == nil {
		slog.Error(fmt.Sprintf("%s - no token verifier configured, rejecting %s", logPrefix, act.Key()))
		return nil, false
	}
	c, err := a.verifier.Verify(token)
	if err != nil {
		if isRejection(err) {
			slog.Debug(fmt.Sprintf("%s - credential rejected for %s: %v", logPrefix, act.Key(), err))
		} else {
			slog.Error(fmt.Sprintf("%s - error while validating token for %s: %v", logPrefix, act.Key(), err))
		}
		return nil, false
	}
	if c == nil {
		return nil, false
	}
	return c, true
}

func bearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		header = strings.TrimSpace(header[7:])
	}
	return header
}
