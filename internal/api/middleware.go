/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are used
 * to process requests before they reach the final handler, perfect for tasks like
 * authentication, logging, or adding context to a request.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: For JWT validation.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/quoteflow/quote-service/internal/domain"
)

// actorContextKey is a custom type for the context key to avoid collisions.
type actorContextKey string

const authedActorKey actorContextKey = "authedActor"

// AuthMiddleware creates a middleware that validates HS256 JWT tokens and
// places the authenticated actor on the request context. The token's `sub`
// claim carries the actor's UUID and `role` carries "provider" or "client".
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			sub, ok := claims["sub"].(string)
			if !ok {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}
			actorID, err := uuid.Parse(sub)
			if err != nil {
				http.Error(w, "Invalid subject in token", http.StatusUnauthorized)
				return
			}

			role, _ := claims["role"].(string)
			if role == "" {
				role = "client"
			}

			ctx := context.WithValue(r.Context(), authedActorKey, domain.Actor{ID: actorID, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetActor retrieves the authenticated actor from the request context.
// Handlers should use this function to identify the caller.
func GetActor(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(authedActorKey).(domain.Actor)
	return actor, ok
}
