// Package middleware authenticates requests and puts the caller's
// collab.Identity into the gin context.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"collab-engine/backend/internal/collab"
)

const IdentityKey = "identity"

const defaultVerifyTimeout = 1200 * time.Millisecond

// UserID accepts user ids encoded as JSON strings or numbers.
type UserID string

func (u *UserID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*u = UserID(n.String())
	return nil
}

// Claims is the access token payload issued by the auth service.
type Claims struct {
	UserID      UserID `json:"sub"`
	Username    string `json:"username"`
	DisplayName string `json:"name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Type        string `json:"typ"`
	jwt.RegisteredClaims
}

type verifyResponse struct {
	UserID      UserID `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Type        string `json:"type"`
}

type verifyErrResp struct {
	Error string `json:"error"`
}

type AuthOptions struct {
	// JWTSecret enables local HS256 verification; otherwise tokens are sent
	// to VerifyBaseURL + "/v1/auth/verify".
	JWTSecret     string
	VerifyBaseURL string
	Client        *http.Client
	Timeout       time.Duration
}

var (
	errNoToken       = errors.New("authorization header is missing or invalid")
	errNotAccess     = errors.New("access token required")
	errUpstream      = errors.New("auth-service verify failed")
	errInvalidClaims = errors.New("token carries no user id")
)

func Auth(opts AuthOptions) gin.HandlerFunc {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultVerifyTimeout
	}
	verifyURL := strings.TrimRight(opts.VerifyBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		token := extractBearer(c.Request.Header.Get("Authorization"))
		if token == "" {
			// browsers cannot set headers on websocket upgrades
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			unauthenticated(c, errNoToken)
			return
		}

		var (
			id  collab.Identity
			err error
		)
		if opts.JWTSecret != "" {
			id, err = verifyLocal(token, []byte(opts.JWTSecret))
		} else {
			ctx, cancel := context.WithTimeout(c.Request.Context(), opts.Timeout)
			id, err = verifyRemote(ctx, opts.Client, verifyURL, token)
			cancel()
		}
		if errors.Is(err, errUpstream) {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": err.Error()})
			return
		}
		if err != nil {
			unauthenticated(c, err)
			return
		}

		c.Set(IdentityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Auth.
func IdentityFrom(c *gin.Context) (collab.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return collab.Identity{}, false
	}
	id, ok := v.(collab.Identity)
	return id, ok
}

func unauthenticated(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": err.Error()})
}

func identity(userID UserID, username, displayName, avatar, typ string) (collab.Identity, error) {
	if typ != "" && typ != "access" {
		return collab.Identity{}, errNotAccess
	}
	if userID == "" {
		return collab.Identity{}, errInvalidClaims
	}
	if displayName == "" {
		displayName = username
	}
	if displayName == "" {
		displayName = string(userID)
	}
	return collab.Identity{ID: string(userID), DisplayName: displayName, Avatar: avatar}, nil
}

func verifyLocal(token string, secret []byte) (collab.Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return collab.Identity{}, err
	}
	return identity(claims.UserID, claims.Username, claims.DisplayName, claims.Avatar, claims.Type)
}

func verifyRemote(ctx context.Context, client *http.Client, verifyURL, token string) (collab.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return collab.Identity{}, fmt.Errorf("%w: %v", errUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return collab.Identity{}, fmt.Errorf("%w: %v", errUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return collab.Identity{}, errors.New(e.Error)
	default:
		return collab.Identity{}, fmt.Errorf("%w: status %d", errUpstream, resp.StatusCode)
	}

	var v verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return collab.Identity{}, fmt.Errorf("%w: invalid verify response", errUpstream)
	}
	return identity(v.UserID, v.Username, v.DisplayName, v.Avatar, v.Type)
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
