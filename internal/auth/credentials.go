package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/YutoMise/call-system/internal/storage"
)

const (
	passwordHashIterations = 120000
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32

	// AdminUsername is the only account allowed on the operator login.
	AdminUsername = "admin"
)

// ErrInvalidCredentials is returned when a password check fails. Unknown
// channels report the same error so the roster cannot be probed through the
// login endpoint.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Credentials verifies admin and channel passwords against the channel
// roster and the configured admin secret.
type Credentials struct {
	channels      *storage.ChannelStore
	adminPassword string
}

// NewCredentials wires the verifier to the channel roster. adminPassword may
// be plaintext or an encoded hash produced by HashPassword.
func NewCredentials(channels *storage.ChannelStore, adminPassword string) *Credentials {
	return &Credentials{channels: channels, adminPassword: adminPassword}
}

// VerifyAdmin checks the operator login. Only the admin account exists.
func (c *Credentials) VerifyAdmin(username, password string) error {
	if subtle.ConstantTimeCompare([]byte(username), []byte(AdminUsername)) != 1 {
		return ErrInvalidCredentials
	}
	return verifyPassword(c.adminPassword, password)
}

// VerifyChannel checks a subscriber password for the named channel.
func (c *Credentials) VerifyChannel(name, password string) error {
	record, ok := c.channels.Lookup(name)
	if !ok {
		return ErrInvalidCredentials
	}
	return verifyPassword(record.Password, password)
}

// AddChannel registers a new channel, storing the password as a salted hash.
func (c *Credentials) AddChannel(name, password string) error {
	if password == "" {
		return errors.New("auth: channel password is required")
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return err
	}
	return c.channels.Add(name, hashed)
}

// HashPassword derives a salted PBKDF2-SHA256 hash in the form
// pbkdf2$sha256$<iterations>$<salt>$<key> with base64 raw-std encoding.
func HashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

// verifyPassword accepts either an encoded hash or a legacy plaintext secret.
// Roster files written before hashing was introduced store passwords as-is.
func verifyPassword(stored, candidate string) error {
	if !strings.HasPrefix(stored, "pbkdf2$") {
		if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) != 1 {
			return ErrInvalidCredentials
		}
		return nil
	}

	parts := strings.Split(stored, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
