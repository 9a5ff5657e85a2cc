package nvram

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// State blobs can be encrypted at rest with an AES-256-CBC key. The key
// is provided on the command line as an option string:
//
//	file=<path>[,mode=aes-cbc][,format=hex|binary][,remove=true|false]
//	pwdfile=<path>[,mode=aes-cbc][,remove=true|false]
//
// A pwdfile names a passphrase from which the key is derived.

const (
	keySize = 32

	// pbkdf2 parameters for passphrase-derived keys. The salt is fixed
	// so the same passphrase yields the same key across restarts.
	pbkdf2Iterations = 10000
	pbkdf2Salt       = "vtpmd-state-key"
)

var (
	ErrBadKeyOption = errors.New("nvram: invalid key option")

	// ErrDecrypt marks a failed blob decryption (wrong key or corrupt
	// ciphertext).
	ErrDecrypt = errors.New("nvram: decryption failed")
)

// Key is a state-file encryption key.
type Key struct {
	aead cipher.Block
	raw  []byte
}

// ParseKeyOption parses a --key / --migration-key option string and
// loads the key material. Returns nil for an empty option.
func ParseKeyOption(opt string) (*Key, error) {
	if opt == "" {
		return nil, nil
	}

	var (
		file    string
		pwdfile string
		format  = "hex"
		mode    = "aes-cbc"
		remove  bool
	)
	for _, part := range strings.Split(opt, ",") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrBadKeyOption, part)
		}
		switch k {
		case "file":
			file = v
		case "pwdfile":
			pwdfile = v
		case "format":
			format = v
		case "mode":
			mode = v
		case "remove":
			remove = v == "true"
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrBadKeyOption, k)
		}
	}

	if mode != "aes-cbc" {
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrBadKeyOption, mode)
	}
	if (file == "") == (pwdfile == "") {
		return nil, fmt.Errorf("%w: exactly one of file= or pwdfile= required", ErrBadKeyOption)
	}

	path := file
	if path == "" {
		path = pwdfile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nvram: read key file: %w", err)
	}
	if remove {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("nvram: remove key file: %w", err)
		}
	}

	var raw []byte
	switch {
	case pwdfile != "":
		pass := bytes.TrimRight(data, "\r\n")
		raw = pbkdf2.Key(pass, []byte(pbkdf2Salt), pbkdf2Iterations, keySize, sha256.New)
	case format == "hex":
		raw, err = hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: bad hex key: %v", ErrBadKeyOption, err)
		}
	case format == "binary":
		raw = data
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrBadKeyOption, format)
	}

	return NewKey(raw)
}

// NewKey builds a key from raw AES-256 key material.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != keySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrBadKeyOption, keySize, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("nvram: %w", err)
	}
	return &Key{aead: block, raw: raw}, nil
}

// Encrypt returns iv || AES-256-CBC(pad(plaintext)).
func (k *Key) Encrypt(plaintext []byte) ([]byte, error) {
	padded := padPKCS7(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("nvram: %w", err)
	}
	cipher.NewCBCEncrypter(k.aead, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt reverses Encrypt.
func (k *Key) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 2*aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length %d", ErrDecrypt, len(ciphertext))
	}
	iv := ciphertext[:aes.BlockSize]
	body := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCBCDecrypter(k.aead, iv).CryptBlocks(body, ciphertext[aes.BlockSize:])
	return unpadPKCS7(body, aes.BlockSize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length %d", ErrDecrypt, len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return data[:len(data)-n], nil
}
