package api

import (
	"fmt"
	"strings"

	"github.com/forgis/factorybench/pkg/config"
	"golang.org/x/crypto/bcrypt"
)

// hashUsers returns the bcrypt hash of every configured basic auth user.
// Passwords already given as bcrypt hashes are kept as they are.
func hashUsers(cfg config.BasicAuthConfig) (map[string][]byte, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	users := make(map[string][]byte, len(cfg.Users))

	for _, u := range cfg.Users {
		if isBcryptHash(u.Password) {
			users[u.Username] = []byte(u.Password)

			continue
		}

		hash, err := bcrypt.GenerateFromPassword(
			[]byte(u.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return nil, fmt.Errorf("hashing password for %q: %w", u.Username, err)
		}

		users[u.Username] = hash
	}

	return users, nil
}

func isBcryptHash(s string) bool {
	if !strings.HasPrefix(s, "$2") {
		return false
	}

	_, err := bcrypt.Cost([]byte(s))

	return err == nil
}

// checkPassword compares a bcrypt hash with a plaintext password.
func checkPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
