// Package pagecrypt decrypts page-encrypted SQLite shard files.
//
// Each 4096-byte page is AES-256-CBC encrypted except for an 80-byte
// reserve at its end, which holds the page IV followed by an HMAC-SHA512
// over the ciphertext, the IV and the little-endian page number. The first
// 16 bytes of page 1 hold the key-derivation salt in place of the SQLite
// header.
package pagecrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	PageSize    = 4096
	SaltSize    = 16
	IVSize      = 16
	HMACSize    = 64
	ReserveSize = 80
	KeySize     = 32

	KDFIterations = 256000
	macIterations = 2
	macSaltMask   = 0x3a
)

var sqliteHeader = []byte("SQLite format 3\x00")

var (
	// ErrBadKey is returned for key strings that are not valid hex of the
	// expected length.
	ErrBadKey = errors.New("invalid key")

	// ErrAuth is returned when a page HMAC does not match, which almost
	// always means the key is wrong for this file.
	ErrAuth = errors.New("page authentication failed")

	// ErrNotEncrypted is returned when page 1 already carries the plain
	// SQLite header.
	ErrNotEncrypted = errors.New("file is not encrypted")
)

// Keys is the derived key pair for one file.
type Keys struct {
	Enc []byte
	MAC []byte
}

// Key is the account key as configured. It is either a raw key that is
// stretched against each file's salt, or an already derived enc/mac pair
// that applies to any file regardless of salt.
type Key struct {
	raw     []byte
	derived *Keys
}

// ParseKey accepts either 64 hex characters (a raw key) or
// "<enc hex>:<mac hex>" (a derived pair).
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if enc, mac, ok := strings.Cut(s, ":"); ok {
		e, err := decodeHexKey(enc)
		if err != nil {
			return Key{}, err
		}
		m, err := decodeHexKey(mac)
		if err != nil {
			return Key{}, err
		}
		return Key{derived: &Keys{Enc: e, MAC: m}}, nil
	}
	raw, err := decodeHexKey(s)
	if err != nil {
		return Key{}, err
	}
	return Key{raw: raw}, nil
}

func decodeHexKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrBadKey, KeySize, len(b))
	}
	return b, nil
}

// IsZero reports whether k holds no key material.
func (k Key) IsZero() bool { return k.raw == nil && k.derived == nil }

// ForSalt returns the key pair for a file whose page 1 starts with salt.
func (k Key) ForSalt(salt []byte) Keys {
	if k.derived != nil {
		return *k.derived
	}
	return DeriveKeys(k.raw, salt)
}

// DeriveKeys stretches raw into the encryption and MAC keys for salt.
func DeriveKeys(raw, salt []byte) Keys {
	enc := pbkdf2.Key(raw, salt, KDFIterations, KeySize, sha512.New)
	macSalt := make([]byte, len(salt))
	for i, b := range salt {
		macSalt[i] = b ^ macSaltMask
	}
	mac := pbkdf2.Key(enc, macSalt, macIterations, KeySize, sha512.New)
	return Keys{Enc: enc, MAC: mac}
}

// Salt returns the salt stored at the start of page 1.
func Salt(page1 []byte) ([]byte, error) {
	if len(page1) < SaltSize {
		return nil, fmt.Errorf("page 1 too short: %d bytes", len(page1))
	}
	if bytes.Equal(page1[:SaltSize], sqliteHeader) {
		return nil, ErrNotEncrypted
	}
	return append([]byte(nil), page1[:SaltSize]...), nil
}

// DecryptPage decrypts page pgno (1-based) from src into dst. Both must be
// PageSize long. Page 1 gets the SQLite header back in place of the salt;
// the reserve area is copied through unchanged.
func DecryptPage(keys Keys, pgno uint32, src, dst []byte) error {
	if len(src) != PageSize || len(dst) != PageSize {
		return fmt.Errorf("page %d: want %d bytes", pgno, PageSize)
	}
	if allZero(src) {
		copy(dst, src)
		return nil
	}
	off := 0
	if pgno == 1 {
		off = SaltSize
	}
	end := PageSize - ReserveSize
	iv := src[end : end+IVSize]

	if err := verify(keys.MAC, pgno, src, off); err != nil {
		return err
	}

	block, err := aes.NewCipher(keys.Enc)
	if err != nil {
		return fmt.Errorf("page %d: %w", pgno, err)
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst[off:end], src[off:end])
	if pgno == 1 {
		copy(dst, sqliteHeader)
	}
	copy(dst[end:], src[end:])
	return nil
}

// EncryptPage is the inverse of DecryptPage. iv must be IVSize random
// bytes; for page 1 salt replaces the SQLite header.
func EncryptPage(keys Keys, pgno uint32, salt, iv, src, dst []byte) error {
	if len(src) != PageSize || len(dst) != PageSize {
		return fmt.Errorf("page %d: want %d bytes", pgno, PageSize)
	}
	off := 0
	if pgno == 1 {
		off = SaltSize
		copy(dst, salt)
	}
	end := PageSize - ReserveSize
	block, err := aes.NewCipher(keys.Enc)
	if err != nil {
		return fmt.Errorf("page %d: %w", pgno, err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst[off:end], src[off:end])
	copy(dst[end:], iv)
	sum := pageMAC(keys.MAC, pgno, dst, off)
	copy(dst[end+IVSize:], sum)
	return nil
}

func pageMAC(key []byte, pgno uint32, page []byte, off int) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(page[off : PageSize-ReserveSize+IVSize])
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], pgno)
	h.Write(n[:])
	return h.Sum(nil)
}

func verify(key []byte, pgno uint32, page []byte, off int) error {
	if len(key) == 0 {
		return nil
	}
	want := page[PageSize-ReserveSize+IVSize : PageSize-ReserveSize+IVSize+HMACSize]
	if !hmac.Equal(pageMAC(key, pgno, page, off), want) {
		return fmt.Errorf("page %d: %w", pgno, ErrAuth)
	}
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
