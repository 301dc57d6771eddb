// Package auth authenticates requests (Basic or Bearer) and evaluates
// per-path ACLs.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"nasmux/internal/config"
)

type ctxKey string

const userKey ctxKey = "nasmux.user"

// Anonymous is the owner recorded for actions taken without a user.
const Anonymous = "anonymous"

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

type Perm int

const (
	PermRead Perm = iota + 1
	PermWrite
	PermAdmin
)

func (p Perm) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermAdmin:
		return "admin"
	}
	return "unknown"
}

type token struct {
	secret []byte
	user   string
}

// Authenticator holds the user, token and ACL tables.
type Authenticator struct {
	users    map[string]string // user -> bcrypt hash
	tokens   []token
	acls     []config.ACL
	optional bool
	log      zerolog.Logger
}

func New(cfg *config.Config, log zerolog.Logger) *Authenticator {
	a := &Authenticator{
		users:    make(map[string]string, len(cfg.Users)),
		optional: cfg.AuthOptional,
		log:      log,
	}
	// Config map keys arrive lowercased, so usernames are case-insensitive
	// throughout.
	for name, u := range cfg.Users {
		a.users[strings.ToLower(name)] = u.Bcrypt
	}
	for _, t := range cfg.Tokens {
		a.tokens = append(a.tokens, token{secret: []byte(t.Token), user: strings.ToLower(t.User)})
	}
	for _, acl := range cfg.ACLs {
		a.acls = append(a.acls, config.ACL{
			Path:  acl.Path,
			Read:  lowerAll(acl.Read),
			Write: lowerAll(acl.Write),
			Admin: lowerAll(acl.Admin),
		})
	}
	return a
}

// Enabled reports whether any users are configured.
func (a *Authenticator) Enabled() bool { return len(a.users) > 0 }

// Optional reports whether anonymous requests are let through.
func (a *Authenticator) Optional() bool { return a.optional }

// Middleware authenticates requests.
//   - no users configured: everything passes, anonymously
//   - auth_optional: requests without Authorization pass anonymously;
//     invalid credentials get 401
//   - otherwise valid credentials are required
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		if a.optional && hdr == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, ok := a.Authenticate(hdr)
		if !ok {
			a.log.Debug().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("authentication failed")
			Deny(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// Authenticate checks an Authorization header value.
func (a *Authenticator) Authenticate(hdr string) (string, bool) {
	if tok, ok := strings.CutPrefix(hdr, "Bearer "); ok {
		return a.checkToken(strings.TrimSpace(tok))
	}
	u, p, ok := parseBasicAuth(hdr)
	if !ok {
		return "", false
	}
	u = strings.ToLower(u)
	hash, ok := a.users[u]
	if !ok {
		// Keep timing close to the known-user path.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(p))
		return "", false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)); err != nil {
		return "", false
	}
	return u, true
}

func (a *Authenticator) checkToken(tok string) (string, bool) {
	if tok == "" {
		return "", false
	}
	user := ""
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(t.secret, []byte(tok)) == 1 {
			user = t.user
		}
	}
	return user, user != ""
}

var dummyHash = sync.OnceValue(func() []byte {
	b, _ := bcrypt.GenerateFromPassword([]byte("nasmux"), bcrypt.DefaultCost)
	return b
})

// Deny writes a Basic challenge with 401.
func Deny(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="nasmux"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// HashPassword returns a bcrypt hash suitable for the users table.
func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	raw, found := strings.CutPrefix(v, "Basic ")
	if !found {
		return "", "", false
	}
	dec, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return "", "", false
	}
	u, p, found := strings.Cut(string(dec), ":")
	if !found || u == "" {
		return "", "", false
	}
	if strings.ContainsRune(u, 0) || strings.ContainsRune(p, 0) {
		return "", "", false
	}
	return u, p, true
}

// Allowed evaluates the ACLs for user on rel (a sanitized relative path, ""
// for the root). The first ACL whose path prefixes rel decides.
//
// Without users everything is allowed. With users and no matching ACL,
// authenticated users may read and nobody may write.
func (a *Authenticator) Allowed(user, rel string, perm Perm) bool {
	if !a.Enabled() {
		return true
	}
	p := "/" + strings.Trim(rel, "/")

	for _, acl := range a.acls {
		if !matchPrefix(normalizeACLPath(acl.Path), p) {
			continue
		}
		switch perm {
		case PermRead:
			return containsUser(acl.Read, user)
		case PermWrite:
			return user != "" && containsUser(acl.Write, user)
		case PermAdmin:
			return user != "" && containsUser(acl.Admin, user)
		default:
			return false
		}
	}
	return perm == PermRead && user != ""
}

func normalizeACLPath(ap string) string {
	ap = "/" + strings.Trim(strings.TrimSpace(ap), "/")
	return ap
}

func matchPrefix(prefix, p string) bool {
	return prefix == "/" || p == prefix || strings.HasPrefix(p, prefix+"/")
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func containsUser(list []string, u string) bool {
	for _, v := range list {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if v == "*" || subtle.ConstantTimeCompare([]byte(v), []byte(u)) == 1 {
			return true
		}
	}
	return false
}
