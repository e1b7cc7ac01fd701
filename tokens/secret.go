package tokens

import (
	"crypto/rand"
	"fmt"
	"os"
)

const secretKeySize = 32

// LoadSecretKey reads the signing key at path, generating and saving a new
// one when the file does not exist.
func LoadSecretKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read activation secret key: %w", err)
		}
		b := make([]byte, secretKeySize)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate activation secret key: %w", err)
		}
		if err := os.WriteFile(path, b, 0600); err != nil {
			return nil, fmt.Errorf("failed to write activation secret key: %w", err)
		}
		key = b
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("activation secret key %s is empty", path)
	}
	return key, nil
}
