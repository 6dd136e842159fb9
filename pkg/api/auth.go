package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/apiresponses"
	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/system"
)

const (
	AuthHeaderKey = "Authorization"
)

// Claims are the token claims the notifier reads. Supabase keeps the LMS
// role in app_metadata; a top-level role claim is used when it is absent.
type Claims struct {
	Email       string      `json:"email,omitempty"`
	Role        string      `json:"role,omitempty"`
	AppMetadata AppMetadata `json:"app_metadata,omitempty"`
	jwt.RegisteredClaims
}

type AppMetadata struct {
	Role string `json:"role,omitempty"`
}

// EffectiveRole is the role used for authorization.
func (c *Claims) EffectiveRole() string {
	if c.AppMetadata.Role != "" {
		return c.AppMetadata.Role
	}
	return c.Role
}

// ServiceRole is the role of backend service keys.
const ServiceRole = "service_role"

type AuthHandler struct {
	secret       []byte
	audience     string
	allowedRoles map[string]struct{}
	disabled     bool
	log          *zap.SugaredLogger
}

// NewAuth validates HS256 tokens signed with cfg.JWTSecret.
func NewAuth(log *zap.SugaredLogger, cfg config.Auth) (*AuthHandler, error) {
	a := &AuthHandler{
		secret:       []byte(cfg.JWTSecret),
		audience:     cfg.Audience,
		allowedRoles: make(map[string]struct{}, len(cfg.AllowedRoles)),
		disabled:     cfg.Disabled,
		log:          log.Named("auth"),
	}
	for _, r := range cfg.AllowedRoles {
		a.allowedRoles[r] = struct{}{}
	}
	if a.disabled {
		a.log.Warn("API authentication is DISABLED (development only)")
		return a, nil
	}
	if len(a.secret) == 0 {
		return nil, errors.New("auth.jwtSecret is required unless auth.disabled is set")
	}
	return a, nil
}

func (a *AuthHandler) keyfunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return a.secret, nil
}

func (a *AuthHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || a.disabled {
			c.Next()
			return
		}
		authHeader := c.GetHeader(AuthHeaderKey)
		// delete the header to avoid logging it by accident
		c.Request.Header.Del(AuthHeaderKey)
		if !strings.HasPrefix(authHeader, "Bearer ") {
			apiresponses.RespondUnauthorized(c, "No Bearer token provided in Authorization header")
			return
		}
		bearer := authHeader[7:]

		claims := &Claims{}
		_, err := jwt.ParseWithClaims(bearer, claims, a.keyfunc, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			a.log.Debugw("Rejected bearer token", "error", err)
			apiresponses.RespondUnauthorized(c, err.Error())
			return
		}
		role := claims.EffectiveRole()
		// service keys are issued to backends and carry neither sub nor aud
		if role != ServiceRole {
			if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
				apiresponses.RespondUnauthorized(c, "token audience mismatch")
				return
			}
			if claims.Subject == "" {
				apiresponses.RespondUnauthorized(c, "token has no subject")
				return
			}
		}

		if _, ok := a.allowedRoles[role]; !ok {
			a.log.Infow("Caller role not allowed", "subject", claims.Subject, "role", role)
			apiresponses.RespondForbidden(c, fmt.Sprintf("role %q may not use the notifier API", role))
			return
		}

		c.Set(system.SubjectKey, claims.Subject)
		c.Set(system.EmailKey, claims.Email)
		c.Set(system.RoleKey, role)
		c.Set(system.ReqLoggerKey, system.EnrichReqLoggerWithAuth(c, system.GetReqLogger(c, a.log)))

		c.Next()
	}
}
