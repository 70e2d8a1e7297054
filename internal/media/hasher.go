package media

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
)

// HashFile streams the file at path through SHA-256 and returns the lowercase
// hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeStorage, err, "open file for hashing")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeStorage, err, "read file for hashing")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
