// Copyright 2024-2026 Aiku AI

package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

// encryptEvent is the inverse of DecryptEvent, used to build test payloads.
func encryptEvent(t *testing.T, encryptKey string, plaintext []byte) string {
	t.Helper()
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext), len(plaintext)+padding)
	copy(padded, plaintext)
	for i := 0; i < padding; i++ {
		padded = append(padded, byte(padding))
	}
	out := make([]byte, aes.BlockSize+len(padded))
	if _, err := rand.Read(out[:aes.BlockSize]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out)
}

func TestDecryptEventOfficialExample(t *testing.T) {
	t.Parallel()
	// Example from the Feishu event subscription docs.
	got, err := DecryptEvent("test key", "P37w+VZImNgPEO1RBhJ6RtKl7n6zymIbEG1pReEzghk=")
	if err != nil {
		t.Fatalf("DecryptEvent: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("DecryptEvent: got %q, want %q", got, "hello world")
	}
}

func TestDecryptEventRoundTrip(t *testing.T) {
	t.Parallel()
	plaintexts := []string{
		`{"challenge":"xyz","type":"url_verification"}`,
		"short",
		strings.Repeat("long payload ", 100),
		"", // empty message still pads to a full block
	}
	for _, plaintext := range plaintexts {
		encoded := encryptEvent(t, "secret-key-1", []byte(plaintext))
		got, err := DecryptEvent("secret-key-1", encoded)
		if err != nil {
			t.Fatalf("DecryptEvent(%q): %v", plaintext, err)
		}
		if string(got) != plaintext {
			t.Errorf("round trip: got %q, want %q", got, plaintext)
		}
	}
}

func TestDecryptEventWrongKey(t *testing.T) {
	t.Parallel()
	encoded := encryptEvent(t, "right key", []byte(`{"a":1}`))
	got, err := DecryptEvent("wrong key", encoded)
	// A wrong key yields either a padding error or garbage; it must never
	// yield the plaintext.
	if err == nil && string(got) == `{"a":1}` {
		t.Error("decryption with the wrong key should not recover the plaintext")
	}
}

func TestDecryptEventInvalidInput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		encoded string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"not block aligned", base64.StdEncoding.EncodeToString(make([]byte, 40))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecryptEvent("key", tc.encoded); err == nil {
				t.Error("DecryptEvent should fail")
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	body := []byte(`{"schema":"2.0"}`)
	secret := "listen-secret"
	sig := Signature(secret, "1700000000", "nonce-1", body)

	if !VerifySignature(secret, "1700000000", "nonce-1", body, sig) {
		t.Error("valid signature rejected")
	}
	if !VerifySignature(secret, "1700000000", "nonce-1", body, "sha256="+sig) {
		t.Error("signature with sha256= prefix rejected")
	}
	if !VerifySignature(secret, "1700000000", "nonce-1", body, strings.ToUpper(sig)) {
		t.Error("uppercase hex signature rejected")
	}
	if VerifySignature(secret, "1700000000", "nonce-1", body, sig[:len(sig)-2]+"00") {
		t.Error("tampered signature accepted")
	}
	if VerifySignature(secret, "1700000001", "nonce-1", body, sig) {
		t.Error("signature accepted with different timestamp")
	}
	if VerifySignature("other-secret", "1700000000", "nonce-1", body, sig) {
		t.Error("signature accepted with different secret")
	}
	if VerifySignature(secret, "1700000000", "nonce-1", []byte("tampered"), sig) {
		t.Error("signature accepted with different body")
	}
	if VerifySignature(secret, "1700000000", "nonce-1", body, "") {
		t.Error("empty signature accepted")
	}
}
