package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var secret string
	var sub string
	var username string
	var email string
	var roles string
	var perms string
	var ttl time.Duration
	var refresh bool
	flag.StringVar(&secret, "secret", "dev-secret", "HS256 secret")
	flag.StringVar(&sub, "sub", "user_123", "subject claim")
	flag.StringVar(&username, "username", "devuser", "username claim")
	flag.StringVar(&email, "email", "devuser@localhost", "email claim")
	flag.StringVar(&roles, "roles", "user", "comma-separated roles")
	flag.StringVar(&perms, "perms", "", "comma-separated direct permissions")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.BoolVar(&refresh, "refresh", false, "mint a refresh token instead of an access token")
	flag.Parse()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if refresh {
		claims["type"] = "refresh"
	} else {
		claims["username"] = username
		claims["email"] = email
		claims["roles"] = splitList(roles)
		if perms != "" {
			claims["permissions"] = splitList(perms)
		}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(s)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
