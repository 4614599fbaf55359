package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ridgeline/scorecard-engine/identity"
)

func TestNewKey_NormalizesCaseAndWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		last  string
		first string
		zip   string
		want  identity.Key
	}{
		{"plain", "Smith", "John", "90210", "SMITH_JOHN_90210"},
		{"mixed case", "sMiTh", "jOHN", "90210", "SMITH_JOHN_90210"},
		{"surrounding whitespace", "  Smith ", " John  ", " 90210 ", "SMITH_JOHN_90210"},
		{"interior whitespace collapses", "Van  Der Berg", "Mary  Jo", "10001", "VAN_DER_BERG_MARY_JO_10001"},
		{"hyphen preserved", "Smith-Jones", "Anna", "30301", "SMITH-JONES_ANNA_30301"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, identity.NewKey(tt.last, tt.first, tt.zip))
		})
	}
}

func TestNewKey_Deterministic(t *testing.T) {
	a := identity.NewKey("Smith", "John", "90210")
	b := identity.NewKey("Smith", "John", "90210")
	assert.Equal(t, a, b)
}

func TestNewKey_ZipSentinel(t *testing.T) {
	tests := []struct {
		name string
		zip  string
		want identity.Key
	}{
		{"empty zip", "", "SMITH_JOHN_NOZIP"},
		{"too short", "9021", "SMITH_JOHN_NOZIP"},
		{"too long", "902101", "SMITH_JOHN_NOZIP"},
		{"non-numeric", "9O21O", "SMITH_JOHN_NOZIP"},
		{"zip+4 keeps leading five", "90210-1234", "SMITH_JOHN_90210"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, identity.NewKey("Smith", "John", tt.zip))
		})
	}
}

func TestKey_HasZip(t *testing.T) {
	assert.True(t, identity.NewKey("Smith", "John", "90210").HasZip())
	assert.False(t, identity.NewKey("Smith", "John", "").HasZip())
}

func TestKey_LastName(t *testing.T) {
	assert.Equal(t, "SMITH-JONES", identity.NewKey("Smith-Jones", "Anna", "30301").LastName())
}

func TestSplitFullName(t *testing.T) {
	tests := []struct {
		name      string
		full      string
		wantFirst string
		wantLast  string
	}{
		{"first last", "John Smith", "John", "Smith"},
		{"multi-part last", "Mary Van Der Berg", "Mary", "Van Der Berg"},
		{"hyphenated last stays whole", "Anna Smith-Jones", "Anna", "Smith-Jones"},
		{"single token is last name", "Smith", "", "Smith"},
		{"empty", "   ", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last := identity.SplitFullName(tt.full)
			assert.Equal(t, tt.wantFirst, first)
			assert.Equal(t, tt.wantLast, last)
		})
	}
}

func TestNewKeyFromFullName(t *testing.T) {
	// Combined-name sources must land on the same key as split-name sources.
	assert.Equal(t,
		identity.NewKey("Smith", "John", "90210"),
		identity.NewKeyFromFullName("John Smith", "90210"))
}

func TestMalformed(t *testing.T) {
	assert.False(t, identity.Malformed("Smith", "90210"))
	assert.True(t, identity.Malformed("", "90210"), "missing last name is malformed")
	assert.True(t, identity.Malformed("Smith", ""), "missing zip is malformed")
}
