package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin    = "admin"
	RoleProvider = "provider"
	RolePatient  = "patient"
)

// Claims carries the roles granted by the identity provider. PatientID is set
// on tokens issued to patients and limits them to their own records.
type Claims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles"`
	PatientID string   `json:"patient_id,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// JWKSURL defaults to <issuer>/.well-known/jwks.json.
	JWKSURL string
	// SigningKey switches to HS256 verification for development and tests.
	SigningKey []byte
}

// Identity is the authenticated caller.
type Identity struct {
	UserID    string
	Roles     []string
	PatientID string
}

type identityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

func UserIDFromContext(ctx context.Context) string { return identityFrom(ctx).UserID }

func RolesFromContext(ctx context.Context) []string { return identityFrom(ctx).Roles }

// PatientIDFromContext returns the patient a patient-role token is bound to.
func PatientIDFromContext(ctx context.Context) string { return identityFrom(ctx).PatientID }

// JWTMiddleware verifies bearer tokens and stores the caller's identity on the
// request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var keys func(ctx context.Context) jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
		keys = func(context.Context) jwt.Keyfunc {
			return func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
		}
	} else {
		url := cfg.JWKSURL
		if url == "" {
			url = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
		}
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
		keys = newKeySet(url).keyFunc
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
			}
			ctx := c.Request().Context()
			claims := &Claims{}
			if _, err := parser.ParseWithClaims(raw, claims, keys(ctx)); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			setIdentity(c, Identity{UserID: claims.Subject, Roles: claims.Roles, PatientID: claims.PatientID})
			return next(c)
		}
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return token, true
}

// DevAuthMiddleware treats every request as an admin. Development only.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			setIdentity(c, Identity{UserID: "dev-user", Roles: []string{RoleAdmin}})
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, id Identity) {
	c.Set("user_id", id.UserID)
	c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
}
