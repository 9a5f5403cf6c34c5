package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New("test-key")

	inputs := []string{
		"hunter2",
		"a",
		"exactly sixteen!",
		"a much longer credential with spaces and symbols !@#$%^&*()",
		"unicode: héllo wörld ✓",
	}

	for _, in := range inputs {
		enc, err := c.Encrypt(in)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", in, err)
		}
		if enc == in {
			t.Errorf("Encrypt(%q) returned plaintext", in)
		}
		if !strings.Contains(enc, ":") {
			t.Errorf("Encrypt(%q) = %q, missing iv separator", in, enc)
		}
		if got := c.Decrypt(enc); got != in {
			t.Errorf("Decrypt(Encrypt(%q)) = %q", in, got)
		}
	}
}

func TestEncryptEmptyIsPassthrough(t *testing.T) {
	c := New("test-key")
	enc, err := c.Encrypt("")
	if err != nil {
		t.Fatalf("Encrypt empty: %v", err)
	}
	if enc != "" {
		t.Errorf("Encrypt(\"\") = %q, want empty", enc)
	}
	if got := c.Decrypt(""); got != "" {
		t.Errorf("Decrypt(\"\") = %q, want empty", got)
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	c := New("test-key")
	a, _ := c.Encrypt("same input")
	b, _ := c.Encrypt("same input")
	if a == b {
		t.Error("two encryptions of the same input produced identical output")
	}
}

func TestDecryptGarbageReturnsInput(t *testing.T) {
	c := New("test-key")

	garbage := []string{
		"not encrypted at all",
		"deadbeef:nothex!!",
		"zzzz:deadbeef",
		"aabb:ccdd", // wrong lengths
		"plain-legacy-value",
		hex.EncodeToString([]byte("odd length")),
	}

	for _, g := range garbage {
		if got := c.Decrypt(g); got != g {
			t.Errorf("Decrypt(%q) = %q, want input unchanged", g, got)
		}
	}
}

func TestDecryptWrongKeyReturnsInput(t *testing.T) {
	enc, err := New("key-one").Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if got := New("key-two").Decrypt(enc); got != enc {
		t.Errorf("Decrypt with wrong key = %q, want stored value back", got)
	}
}

// encryptLegacy writes a value the way rows looked before the IV was
// stored: hex ciphertext only, all-zero IV.
func encryptLegacy(t *testing.T, key, plaintext string) string {
	t.Helper()
	c := New(key)
	block, err := aes.NewCipher(c.key)
	if err != nil {
		t.Fatal(err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(ct, padded)
	return hex.EncodeToString(ct)
}

func TestDecryptLegacyFormat(t *testing.T) {
	c := New("test-key")
	legacy := encryptLegacy(t, "test-key", "old secret")

	if got := c.Decrypt(legacy); got != "old secret" {
		t.Errorf("Decrypt(legacy) = %q, want %q", got, "old secret")
	}
}

func TestNeedsMigration(t *testing.T) {
	c := New("test-key")

	current, _ := c.Encrypt("secret")
	if c.NeedsMigration(current) {
		t.Error("current format flagged for migration")
	}
	if !c.NeedsMigration("deadbeefdeadbeef") {
		t.Error("legacy format not flagged for migration")
	}
	if c.NeedsMigration("") {
		t.Error("empty value flagged for migration")
	}
}

func TestReencryptLegacy(t *testing.T) {
	c := New("test-key")
	legacy := encryptLegacy(t, "test-key", "old secret")

	migrated, err := c.Reencrypt(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if c.NeedsMigration(migrated) {
		t.Errorf("Reencrypt produced legacy-format value %q", migrated)
	}
	if got := c.Decrypt(migrated); got != "old secret" {
		t.Errorf("Decrypt(migrated) = %q, want %q", got, "old secret")
	}

	// Values already current pass through untouched.
	same, err := c.Reencrypt(migrated)
	if err != nil {
		t.Fatal(err)
	}
	if same != migrated {
		t.Error("Reencrypt rewrote a current-format value")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"abcdef", "ab****ef"},
		{"supersecretpassword", "su****rd"},
	}

	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
