// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth handles JWT authentication for the form receiver.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// JWTClaims carries the submitting identity: the user (standard sub
// claim), the device, and the tenant domain the token is scoped to.
type JWTClaims struct {
	DeviceID string `json:"did"` // Device ID
	Domain   string `json:"dom"` // Tenant domain
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for a user/device pair in a domain.
func (j *JWTAuth) GenerateToken(userID, deviceID, domain string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		DeviceID: deviceID,
		Domain:   domain,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "go-casekit",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		if claims.Domain == "" {
			return nil, fmt.Errorf("missing dom (domain) in token")
		}
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// requestClaims extracts and validates the bearer token on a request.
func (j *JWTAuth) requestClaims(r *http.Request) (*JWTClaims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("malformed Authorization header")
	}
	return j.ValidateToken(tokenString)
}

// GetUserID extracts the user id from the request (ClientAuthenticator).
func (j *JWTAuth) GetUserID(r *http.Request) (string, error) {
	claims, err := j.requestClaims(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// GetDeviceID extracts the device id from the request (ClientAuthenticator).
func (j *JWTAuth) GetDeviceID(r *http.Request) (string, error) {
	claims, err := j.requestClaims(r)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}

// GetDomain extracts the tenant domain from the request (ClientAuthenticator).
func (j *JWTAuth) GetDomain(r *http.Request) (string, error) {
	claims, err := j.requestClaims(r)
	if err != nil {
		return "", err
	}
	return claims.Domain, nil
}
