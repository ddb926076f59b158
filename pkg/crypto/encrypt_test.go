package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, plaintext := range []string{
		"",
		"api-secret",
		"4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		strings.Repeat("x", 4096),
	} {
		encrypted, err := Encrypt(plaintext, testKey)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if encrypted == plaintext && plaintext != "" {
			t.Error("ciphertext equals plaintext")
		}

		decrypted, err := Decrypt(encrypted, testKey)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("round trip mismatch: %q != %q", decrypted, plaintext)
		}
	}
}

func TestEncryptNonceIsRandom(t *testing.T) {
	a, _ := Encrypt("same plaintext", testKey)
	b, _ := Encrypt("same plaintext", testKey)
	if a == b {
		t.Error("two encryptions of the same plaintext match; nonce is not random")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	encrypted, err := Encrypt("secret", testKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	otherKey := []byte("fedcba9876543210fedcba9876543210")
	if _, err := Decrypt(encrypted, otherKey); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("error = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	encrypted, err := Encrypt("secret", testKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(encrypted)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := Decrypt(tampered, testKey); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("error = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptMalformedInput(t *testing.T) {
	if _, err := Decrypt("not-base64!!!", testKey); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("error = %v, want ErrInvalidCiphertext", err)
	}

	short := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if _, err := Decrypt(short, testKey); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("error = %v, want ErrCiphertextTooShort", err)
	}
}

func TestKeyLengthValidation(t *testing.T) {
	shortKey := []byte("short")

	if _, err := Encrypt("secret", shortKey); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("Encrypt error = %v, want ErrInvalidKeyLength", err)
	}
	if _, err := Decrypt("whatever", shortKey); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("Decrypt error = %v, want ErrInvalidKeyLength", err)
	}
	if err := ValidateKey(shortKey); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("ValidateKey error = %v, want ErrInvalidKeyLength", err)
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := ValidateKey(key); err != nil {
		t.Errorf("generated key invalid: %v", err)
	}

	other, _ := GenerateKey()
	if string(key) == string(other) {
		t.Error("two generated keys match")
	}
}
