package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argonParams are the Argon2id cost settings. They are written into every
// encoded hash so that raising them later does not invalidate stored hashes.
type argonParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
	keyLen  uint32
}

var defaultParams = argonParams{memory: 64 * 1024, time: 1, threads: 4, keyLen: 32}

const saltLen = 16

var errHashFormat = errors.New("auth: malformed api key hash")

var b64 = base64.RawStdEncoding

// HashAPIKey derives an Argon2id hash of apiKey in the form
// argon2id$m=<mem>,t=<time>,p=<threads>$<salt>$<hash>.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: salt: %w", err)
	}
	p := defaultParams
	key := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("argon2id$m=%d,t=%d,p=%d$%s$%s",
		p.memory, p.time, p.threads, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyAPIKey reports whether apiKey matches encoded.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify spends the same work as a real verification. The token
// endpoint calls it when there is no hash to check against so the failure
// takes as long as a wrong key.
func DummyVerify() {
	p := defaultParams
	argon2.IDKey([]byte("kensa"), make([]byte, saltLen), p.time, p.memory, p.threads, p.keyLen)
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "argon2id" {
		return argonParams{}, nil, nil, errHashFormat
	}
	var p argonParams
	if _, err := fmt.Sscanf(parts[1], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: params: %v", errHashFormat, err)
	}
	salt, err := b64.DecodeString(parts[2])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: salt: %v", errHashFormat, err)
	}
	key, err := b64.DecodeString(parts[3])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: key: %v", errHashFormat, err)
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, nil
}
