package promo

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultCodePrefix is prepended to every generated code.
const DefaultCodePrefix = "PLUMMY"

// CodeGenerator produces candidate codes. Candidates may collide; the
// ledger checks uniqueness before persisting.
type CodeGenerator interface {
	Generate() string
}

// UUIDGenerator builds codes from a prefix and upper-case hex drawn from a
// random UUID.
type UUIDGenerator struct {
	Prefix string
	Length int // hex characters after the prefix, at most 32
}

// NewUUIDGenerator returns the default PLUMMY + 6 hex generator.
func NewUUIDGenerator() UUIDGenerator {
	return UUIDGenerator{Prefix: DefaultCodePrefix, Length: 6}
}

// Generate returns a fresh candidate code.
func (g UUIDGenerator) Generate() string {
	n := g.Length
	if n <= 0 || n > 32 {
		n = 6
	}
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return g.Prefix + strings.ToUpper(hex[:n])
}

var codeFormat = regexp.MustCompile(`^[A-Za-z0-9_-]{6,20}$`)

// ValidateCodeFormat rejects input that cannot be a promo code.
func ValidateCodeFormat(code string) error {
	if !codeFormat.MatchString(code) {
		return ValidationError.Wrap(ErrInvalidCode)
	}
	return nil
}
