// KFRelay - WeCom customer-service to gateway relay
// WeCom callback crypto: signature check and AES-CBC payload envelopes

package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// WeCom pads the payload to a 32-byte boundary, not the AES block size.
const padBlockSize = 32

var (
	ErrInvalidKey          = errors.New("invalid encoding AES key")
	ErrCorpIDMismatch      = errors.New("corp id mismatch")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// AESKey is the decoded EncodingAESKey: the full 32 bytes plus the IV,
// which WeCom defines as the first 16 bytes of the key.
type AESKey struct {
	Key []byte
	IV  []byte
}

// DecodeEncodingAESKey decodes the 43-character base64 variant WeCom hands
// out in the admin console. Appending "=" yields canonical base64.
func DecodeEncodingAESKey(encodingAESKey string) (AESKey, error) {
	if len(encodingAESKey) != 43 {
		return AESKey{}, fmt.Errorf("%w: want 43 characters, got %d", ErrInvalidKey, len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return AESKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return AESKey{}, fmt.Errorf("%w: decoded to %d bytes, want 32", ErrInvalidKey, len(key))
	}
	return AESKey{Key: key, IV: key[:aes.BlockSize]}, nil
}

// ComputeSignature builds the callback signature: the four values sorted
// lexicographically, concatenated, SHA-1, lowercase hex.
func ComputeSignature(token, timestamp, nonce, encrypt string) string {
	params := []string{token, timestamp, nonce, encrypt}
	sort.Strings(params)
	hash := sha1.Sum([]byte(strings.Join(params, "")))
	return fmt.Sprintf("%x", hash)
}

// VerifySignature compares the expected signature against the one WeCom
// sent, in constant time.
func VerifySignature(token, msgSignature, timestamp, nonce, encrypt string) bool {
	expected := ComputeSignature(token, timestamp, nonce, encrypt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(msgSignature)) == 1
}

// Decrypt unwraps an encrypted callback payload. The decrypted layout is
// random(16) + msg_len(4, big endian) + msg + corp_id, PKCS7-padded to a
// 32-byte boundary.
func Decrypt(ciphertextB64 string, key AESKey, expectedCorpID string) (string, error) {
	cipherText, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: decode base64: %v", ErrMalformedCiphertext, err)
	}
	if len(cipherText) < aes.BlockSize || len(cipherText)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", ErrMalformedCiphertext, len(cipherText))
	}

	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	plainText := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(block, key.IV).CryptBlocks(plainText, cipherText)

	plainText, err = pkcs7Unpad(plainText)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	if len(plainText) < 20 {
		return "", fmt.Errorf("%w: decrypted payload too short", ErrMalformedCiphertext)
	}
	msgLen := binary.BigEndian.Uint32(plainText[16:20])
	if int(msgLen) > len(plainText)-20 {
		return "", fmt.Errorf("%w: message length %d exceeds payload", ErrMalformedCiphertext, msgLen)
	}

	msg := plainText[20 : 20+msgLen]
	corpID := string(plainText[20+msgLen:])
	if expectedCorpID != "" && corpID != expectedCorpID {
		return "", fmt.Errorf("%w: got %q", ErrCorpIDMismatch, corpID)
	}

	return string(msg), nil
}

// Encrypt builds the envelope Decrypt unwraps. Only the GET-verify echo
// path needs it, but keeping both directions here keeps the format in one
// place.
func Encrypt(plaintext, corpID string, key AESKey) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("generate random prefix: %w", err)
	}

	msgBytes := []byte(plaintext)
	lenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBytes, uint32(len(msgBytes)))

	plain := make([]byte, 0, 20+len(msgBytes)+len(corpID)+padBlockSize)
	plain = append(plain, random...)
	plain = append(plain, lenBytes...)
	plain = append(plain, msgBytes...)
	plain = append(plain, corpID...)
	plain = pkcs7Pad(plain)

	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	cipherText := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, key.IV).CryptBlocks(cipherText, plain)

	return base64.StdEncoding.EncodeToString(cipherText), nil
}

// pkcs7Pad always appends at least one byte; an exact multiple of the
// block size gets a full padding block.
func pkcs7Pad(data []byte) []byte {
	padding := padBlockSize - len(data)%padBlockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// pkcs7Unpad removes and validates the padding: the pad length must be
// 1..32 and every padding byte must equal it.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > padBlockSize {
		return nil, fmt.Errorf("invalid padding size: %d", padding)
	}
	if padding > len(data) {
		return nil, fmt.Errorf("padding size larger than data")
	}
	for i := 0; i < padding; i++ {
		if data[len(data)-1-i] != byte(padding) {
			return nil, fmt.Errorf("invalid padding byte at position %d", i)
		}
	}
	return data[:len(data)-padding], nil
}
