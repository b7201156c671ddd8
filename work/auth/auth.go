package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// kdfIterations is the PBKDF2 work factor for the account encryption key.
// Derivation happens once at startup, so a high count costs nothing per
// request.
const kdfIterations = 210_000

// kdfSalt keeps derived keys distinct from any other use of the app secret.
var kdfSalt = []byte("iptv-gateway.account.v1")

// Auth implements the stateless token and signing schemes. Nothing here is
// persisted or looked up; every check is a recomputation against the shared
// secrets.
type Auth struct {
	secret    []byte       // app secret, keys path signatures
	tokenSalt string       // salt folded into session token digests
	aead      cipher.AEAD  // account encryption cipher, key derived via PBKDF2
	idCounter atomic.Int64 // anonymous username generator
}

// New derives the account encryption key and prepares an Auth instance.
func New(appSecret, tokenSalt string) (*Auth, error) {
	key := pbkdf2.Key([]byte(appSecret), kdfSalt, kdfIterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize account cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize account cipher: %w", err)
	}

	a := &Auth{
		secret:    []byte(appSecret),
		tokenSalt: tokenSalt,
		aead:      aead,
	}
	a.idCounter.Store(time.Now().UnixMilli())

	return a, nil
}

// GenerateToken issues the session token for a username. The token is
// self-authenticating: username in the clear, digest over username plus the
// server salt.
func (a *Auth) GenerateToken(username string) string {
	return username + "-" + Md5Hex(username+a.tokenSalt)
}

// VerifyToken recomputes the digest of a presented token and returns the
// embedded username when it checks out. Any tampering with the username part
// invalidates the digest.
func (a *Auth) VerifyToken(token string) (string, bool) {
	idx := strings.LastIndex(token, "-")
	if idx < 0 {
		return "", false
	}

	username := token[:idx]
	digest := token[idx+1:]

	if !hmac.Equal([]byte(digest), []byte(Md5Hex(username+a.tokenSalt))) {
		return "", false
	}
	return username, true
}

// GenerateAnonymousUser mints a numeric username for anonymous playlist
// access. The counter is seeded with the start time so ids never repeat
// across restarts.
func (a *Auth) GenerateAnonymousUser() string {
	return strconv.FormatInt(a.idCounter.Add(1), 10)
}

// SignPath computes the web-safe signature embedded into generated proxy URLs
// (icons, segments). The signature proves the gateway itself produced the
// surrounding path, so the relay cannot be pointed at arbitrary URLs.
func (a *Auth) SignPath(path string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(path))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyPath recomputes the signature for a reconstructed path and compares
// in constant time.
func (a *Auth) VerifyPath(path, signature string) bool {
	expected, err := base64.RawURLEncoding.DecodeString(a.SignPath(path))
	if err != nil {
		return false
	}
	presented, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, presented)
}

// EncryptAccount produces the reversible hex token carrying full account
// identity, used where clients must present credentials inside a URL (EPG and
// API links). Only a gateway holding the same app secret can decrypt it.
func (a *Auth) EncryptAccount(username, password string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	plaintext := []byte(username + "_" + password)
	sealed := a.aead.Seal(nonce, nonce, plaintext, nil)

	return hex.EncodeToString(sealed), nil
}

// DecryptAccount reverses EncryptAccount.
func (a *Auth) DecryptAccount(token string) (username, password string, err error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("malformed account token: %w", err)
	}
	if len(raw) < a.aead.NonceSize() {
		return "", "", fmt.Errorf("malformed account token: too short")
	}

	nonce, sealed := raw[:a.aead.NonceSize()], raw[a.aead.NonceSize():]
	plaintext, err := a.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid account token: %w", err)
	}

	idx := strings.Index(string(plaintext), "_")
	if idx < 0 {
		return "", "", fmt.Errorf("invalid account token: missing separator")
	}
	return string(plaintext[:idx]), string(plaintext[idx+1:]), nil
}
