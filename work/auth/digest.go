package auth

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex returns the lowercase hex SHA-256 digest of the string. Channel
// references and segment paths are derived with this.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Md5Hex returns the lowercase hex MD5 digest of the string. Session tokens
// and remapped EPG ids use MD5 to stay compatible with existing client URLs;
// it is an identifier digest here, not a security boundary.
func Md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
