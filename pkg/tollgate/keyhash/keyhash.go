// Package keyhash issues API key secrets and hashes and verifies them with
// an ordered list of algorithms chosen once at startup.
package keyhash

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/mikepea/tollgate/pkg/tollgate/errs"
)

const (
	// Tag marks every tollgate secret so it is recognizable in logs and
	// secret scanners.
	Tag = "tgk_"
	// RandomLength is the number of random characters after the tag.
	RandomLength = 40
	// PrefixLength is the length of the non-secret lookup prefix.
	PrefixLength = 12

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Options configures which algorithms are tried, in order.
type Options struct {
	Algorithms []string
	BcryptCost int
	Argon2     Argon2Params
	ScryptLogN uint8
}

// DefaultOptions prefers Argon2id with OWASP baseline parameters.
func DefaultOptions() Options {
	return Options{
		Algorithms: []string{Argon2id, Bcrypt, Scrypt},
		BcryptCost: 10,
		Argon2:     Argon2Params{MemoryKiB: 19 * 1024, Time: 2, Threads: 1},
		ScryptLogN: 15,
	}
}

// Hasher holds the algorithms available to this process, preferred first.
type Hasher struct {
	algorithms []Algorithm
	byName     map[string]Algorithm
	skipped    map[string]error
}

// New builds a Hasher. Each requested algorithm is constructed and
// self-tested; failures are recorded and the algorithm is left out. Scrypt
// is appended when missing, so the list is never empty.
func New(opts Options) (*Hasher, error) {
	h := &Hasher{
		byName:  make(map[string]Algorithm),
		skipped: make(map[string]error),
	}

	for _, name := range opts.Algorithms {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := h.byName[name]; dup {
			continue
		}
		alg, err := construct(name, opts)
		if err == nil {
			err = selfTest(alg)
		}
		if err != nil {
			h.skipped[name] = err
			continue
		}
		h.add(alg)
	}

	if _, ok := h.byName[Scrypt]; !ok {
		alg := NewScrypt(opts.ScryptLogN)
		if err := selfTest(alg); err != nil {
			return nil, fmt.Errorf("scrypt self-test failed: %w", err)
		}
		h.add(alg)
	}
	return h, nil
}

func (h *Hasher) add(alg Algorithm) {
	h.algorithms = append(h.algorithms, alg)
	h.byName[alg.Name()] = alg
}

func construct(name string, opts Options) (Algorithm, error) {
	switch name {
	case Argon2id:
		return NewArgon2id(opts.Argon2)
	case Bcrypt:
		return NewBcrypt(opts.BcryptCost)
	case Scrypt:
		return NewScrypt(opts.ScryptLogN), nil
	default:
		return nil, fmt.Errorf("unknown algorithm %q", name)
	}
}

func selfTest(alg Algorithm) error {
	const probe = "tollgate-self-test"
	encoded, err := alg.Hash(probe)
	if err != nil {
		return err
	}
	ok, err := alg.Verify(encoded, probe)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: self-test verification failed", alg.Name())
	}
	return nil
}

// Preferred returns the name of the algorithm used for new hashes.
func (h *Hasher) Preferred() string {
	return h.algorithms[0].Name()
}

// Available lists the enabled algorithms in preference order.
func (h *Hasher) Available() []string {
	names := make([]string, len(h.algorithms))
	for i, alg := range h.algorithms {
		names[i] = alg.Name()
	}
	return names
}

// Skipped returns the algorithms that were requested but left out, with the
// reason.
func (h *Hasher) Skipped() map[string]error {
	return h.skipped
}

// Hash hashes secret with the preferred algorithm.
func (h *Hasher) Hash(secret string) (string, error) {
	return h.algorithms[0].Hash(secret)
}

// Verify checks secret against stored. An empty stored hash never matches.
// A hash whose tag names an algorithm this process cannot run returns
// errs.ErrHashAlgorithmUnavailable instead of a silent mismatch.
func (h *Hasher) Verify(stored, secret string) (bool, error) {
	if stored == "" {
		return false, nil
	}
	for _, alg := range h.algorithms {
		if alg.Owns(stored) {
			return alg.Verify(stored, secret)
		}
	}
	name := AlgorithmOf(stored)
	if name == "" {
		name = "unrecognized"
	}
	return false, fmt.Errorf("%w: %s", errs.ErrHashAlgorithmUnavailable, name)
}

// Generate creates a new secret, its lookup prefix and its hash.
func (h *Hasher) Generate() (plaintext, prefix, hash string, err error) {
	plaintext, err = NewSecret()
	if err != nil {
		return "", "", "", err
	}
	hash, err = h.Hash(plaintext)
	if err != nil {
		return "", "", "", err
	}
	return plaintext, Prefix(plaintext), hash, nil
}

// NewSecret returns Tag followed by RandomLength base62 characters.
func NewSecret() (string, error) {
	var b strings.Builder
	b.Grow(len(Tag) + RandomLength)
	b.WriteString(Tag)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < RandomLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Prefix returns the lookup prefix of a plaintext credential, or "" when it
// is too short to have been issued by Generate.
func Prefix(plaintext string) string {
	if len(plaintext) < PrefixLength {
		return ""
	}
	return plaintext[:PrefixLength]
}

// Last4 returns the display suffix of a secret.
func Last4(plaintext string) string {
	if len(plaintext) < 4 {
		return plaintext
	}
	return plaintext[len(plaintext)-4:]
}
