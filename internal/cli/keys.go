// Package cli holds the pieces of the randomizer command that are worth
// testing without cobra: key provisioning and terminal output.
package cli

import (
	"fmt"
	"strings"

	"github.com/mistakeknot/randomizer/internal/auth"
)

// InitKeysFile adds a fresh API key for user to the keys file at path,
// creating the file with localhost bypass enabled when it does not exist.
func InitKeysFile(path, user string) (string, error) {
	path = strings.TrimSpace(path)
	user = strings.TrimSpace(user)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if user == "" {
		return "", fmt.Errorf("user required")
	}
	res, err := auth.AddUserKey(path, user)
	if err != nil {
		return "", err
	}
	return res.Key, nil
}
