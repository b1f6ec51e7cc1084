package keyhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"
)

// Algorithm names, also used in configuration.
const (
	Argon2id = "argon2id"
	Bcrypt   = "bcrypt"
	Scrypt   = "scrypt"
)

const (
	saltLength = 16
	keyLength  = 32
	// minDigestLength rejects stored digests too short to mean anything.
	minDigestLength = 16
)

// Ceilings for parameters read back from stored hashes. Verify runs on every
// request for a prefix, so a bad row must not cost unbounded memory.
const (
	maxArgon2MemoryKiB = 1 << 22
	maxArgon2Time      = 64
	maxScryptLogN      = 20
	maxScryptRP        = 64
)

// Algorithm is one hashing strategy. Encoded hashes carry their own tag and
// parameters so Verify needs nothing but the stored string.
type Algorithm interface {
	Name() string
	Hash(secret string) (string, error)
	Verify(encoded, secret string) (bool, error)
	// Owns reports whether encoded carries this algorithm's tag.
	Owns(encoded string) bool
}

// knownTags maps the tag prefix of an encoded hash to its algorithm name,
// including algorithms this process may not have enabled.
var knownTags = []struct {
	prefix string
	name   string
}{
	{"$argon2id$", Argon2id},
	{"$2a$", Bcrypt},
	{"$2b$", Bcrypt},
	{"$2y$", Bcrypt},
	{"$scrypt$", Scrypt},
}

// AlgorithmOf returns the algorithm named by the tag of encoded, or "".
func AlgorithmOf(encoded string) string {
	for _, t := range knownTags {
		if strings.HasPrefix(encoded, t.prefix) {
			return t.name
		}
	}
	return ""
}

func randomSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

var b64 = base64.RawStdEncoding

// Argon2Params tunes Argon2id.
type Argon2Params struct {
	MemoryKiB uint32
	Time      uint32
	Threads   uint8
}

type argon2idAlgorithm struct {
	params Argon2Params
}

// NewArgon2id returns the Argon2id strategy, rejecting unusable parameters.
func NewArgon2id(p Argon2Params) (Algorithm, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &argon2idAlgorithm{params: p}, nil
}

func (p Argon2Params) validate() error {
	if p.Time == 0 || p.Threads == 0 || p.MemoryKiB < 8*uint32(p.Threads) ||
		p.MemoryKiB > maxArgon2MemoryKiB || p.Time > maxArgon2Time {
		return fmt.Errorf("argon2id: invalid parameters m=%d t=%d p=%d", p.MemoryKiB, p.Time, p.Threads)
	}
	return nil
}

func (a *argon2idAlgorithm) Name() string { return Argon2id }

func (a *argon2idAlgorithm) Owns(encoded string) bool { return AlgorithmOf(encoded) == Argon2id }

func (a *argon2idAlgorithm) Hash(secret string) (string, error) {
	salt, err := randomSalt()
	if err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(secret), salt, a.params.Time, a.params.MemoryKiB, a.params.Threads, keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, a.params.MemoryKiB, a.params.Time, a.params.Threads,
		b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

func (a *argon2idAlgorithm) Verify(encoded, secret string) (bool, error) {
	// $argon2id$v=19$m=..,t=..,p=..$salt$hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("argon2id: malformed hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, fmt.Errorf("argon2id: unsupported version %q", parts[2])
	}
	var params Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Time, &params.Threads); err != nil {
		return false, fmt.Errorf("argon2id: malformed parameters: %w", err)
	}
	if err := params.validate(); err != nil {
		return false, err
	}
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("argon2id: malformed salt: %w", err)
	}
	want, err := b64.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("argon2id: malformed digest: %w", err)
	}
	if len(want) < minDigestLength {
		return false, fmt.Errorf("argon2id: digest too short")
	}
	got := argon2.IDKey([]byte(secret), salt, params.Time, params.MemoryKiB, params.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

type bcryptAlgorithm struct {
	cost int
}

// NewBcrypt returns the bcrypt strategy. A cost of zero selects the default.
func NewBcrypt(cost int) (Algorithm, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt: cost %d out of range", cost)
	}
	return &bcryptAlgorithm{cost: cost}, nil
}

func (b *bcryptAlgorithm) Name() string { return Bcrypt }

func (b *bcryptAlgorithm) Owns(encoded string) bool { return AlgorithmOf(encoded) == Bcrypt }

func (b *bcryptAlgorithm) Hash(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), b.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (b *bcryptAlgorithm) Verify(encoded, secret string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case err == bcrypt.ErrMismatchedHashAndPassword:
		return false, nil
	default:
		return false, fmt.Errorf("bcrypt: %w", err)
	}
}

type scryptAlgorithm struct {
	logN uint8
	r, p int
}

// NewScrypt returns the scrypt strategy. It accepts any cost and falls back
// to logN=15 when logN is out of range, so it can always be constructed.
func NewScrypt(logN uint8) Algorithm {
	if logN < 10 || logN > 20 {
		logN = 15
	}
	return &scryptAlgorithm{logN: logN, r: 8, p: 1}
}

func (s *scryptAlgorithm) Name() string { return Scrypt }

func (s *scryptAlgorithm) Owns(encoded string) bool { return AlgorithmOf(encoded) == Scrypt }

func (s *scryptAlgorithm) Hash(secret string) (string, error) {
	salt, err := randomSalt()
	if err != nil {
		return "", err
	}
	sum, err := scrypt.Key([]byte(secret), salt, 1<<s.logN, s.r, s.p, keyLength)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("$scrypt$ln=%d,r=%d,p=%d$%s$%s",
		s.logN, s.r, s.p, b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

func (s *scryptAlgorithm) Verify(encoded, secret string) (bool, error) {
	// $scrypt$ln=..,r=..,p=..$salt$hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return false, fmt.Errorf("scrypt: malformed hash")
	}
	var logN, r, p int
	if _, err := fmt.Sscanf(parts[2], "ln=%d,r=%d,p=%d", &logN, &r, &p); err != nil {
		return false, fmt.Errorf("scrypt: malformed parameters: %w", err)
	}
	if logN < 1 || logN > maxScryptLogN {
		return false, fmt.Errorf("scrypt: cost ln=%d out of range", logN)
	}
	if r < 1 || p < 1 || r > maxScryptRP || p > maxScryptRP || r*p > maxScryptRP {
		return false, fmt.Errorf("scrypt: invalid parameters r=%d p=%d", r, p)
	}
	salt, err := b64.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("scrypt: malformed salt: %w", err)
	}
	want, err := b64.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("scrypt: malformed digest: %w", err)
	}
	if len(want) < minDigestLength {
		return false, fmt.Errorf("scrypt: digest too short")
	}
	got, err := scrypt.Key([]byte(secret), salt, 1<<logN, r, p, len(want))
	if err != nil {
		return false, fmt.Errorf("scrypt: %w", err)
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
