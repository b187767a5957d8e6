// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// sessionTTL bounds how long a session token is honored. Workers
// re-register on rejection, so expiry only forces a refresh.
const sessionTTL = 24 * time.Hour

// authenticator issues and verifies worker session tokens and checks
// the bootstrap/admin token. The signing key is per-process: a restart
// invalidates all sessions and workers re-register, which the reconnect
// protocol already handles.
type authenticator struct {
	bootstrapToken string
	signingKey     []byte
	registerLimit  *rate.Limiter
}

func newAuthenticator(bootstrapToken string) (*authenticator, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, &fluxerrors.ConfigError{Key: "session signing key", Reason: "failed to generate", Cause: err}
	}
	return &authenticator{
		bootstrapToken: bootstrapToken,
		signingKey:     key,
		registerLimit:  rate.NewLimiter(rate.Every(time.Second), 10),
	}, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// issueSession mints a session token bound to the worker name.
func (a *authenticator) issueSession(workerName string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	})
	return token.SignedString(a.signingKey)
}

// sessionTokenHash is what the backend stores; the raw token never
// lands in the repository.
func sessionTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// verifySession checks the bearer token and that it was issued to the
// named worker.
func (a *authenticator) verifySession(r *http.Request, workerName string) error {
	raw := bearerToken(r)
	if raw == "" {
		return &fluxerrors.ValidationError{Field: "authorization", Message: "missing bearer token"}
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, &fluxerrors.ValidationError{Field: "authorization", Message: "unexpected signing method"}
		}
		return a.signingKey, nil
	})
	if err != nil {
		return &fluxerrors.ValidationError{Field: "authorization", Message: "invalid session token"}
	}
	if claims.Subject != workerName {
		return &fluxerrors.ValidationError{Field: "authorization", Message: "session token names a different worker"}
	}
	return nil
}

// checkBootstrap validates the bootstrap token with a constant-time
// compare behind a rate limiter.
func (a *authenticator) checkBootstrap(r *http.Request) error {
	if !a.registerLimit.Allow() {
		return &fluxerrors.UnavailableError{Component: "worker registration"}
	}
	if a.bootstrapToken == "" {
		// Open registration; for development setups only.
		return nil
	}
	presented := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.bootstrapToken)) != 1 {
		return &fluxerrors.ValidationError{Field: "authorization", Message: "invalid bootstrap token"}
	}
	return nil
}

// checkAdmin guards the admin surface. The bootstrap token doubles as
// the admin credential.
func (a *authenticator) checkAdmin(r *http.Request) error {
	if a.bootstrapToken == "" {
		return nil
	}
	presented := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.bootstrapToken)) != 1 {
		return &fluxerrors.ValidationError{Field: "authorization", Message: "invalid admin token"}
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
