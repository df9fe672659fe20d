package pagecrypt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// DecryptStream decrypts an encrypted database of size bytes read from src
// and writes the plain SQLite image to dst. It returns the number of pages
// written.
func DecryptStream(ctx context.Context, key Key, src io.ReaderAt, size int64, dst io.Writer) (int, error) {
	if size == 0 || size%PageSize != 0 {
		return 0, fmt.Errorf("size %d is not a multiple of the %d-byte page", size, PageSize)
	}
	in := make([]byte, PageSize)
	out := make([]byte, PageSize)

	if _, err := src.ReadAt(in, 0); err != nil {
		return 0, fmt.Errorf("read page 1: %w", err)
	}
	salt, err := Salt(in)
	if err != nil {
		return 0, err
	}
	keys := key.ForSalt(salt)

	pages := int(size / PageSize)
	for i := 0; i < pages; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return i, err
			}
		}
		if i > 0 {
			if _, err := src.ReadAt(in, int64(i)*PageSize); err != nil && !errors.Is(err, io.EOF) {
				return i, fmt.Errorf("read page %d: %w", i+1, err)
			}
		}
		if err := DecryptPage(keys, uint32(i+1), in, out); err != nil {
			return i, err
		}
		if _, err := dst.Write(out); err != nil {
			return i, fmt.Errorf("write page %d: %w", i+1, err)
		}
	}
	return pages, nil
}

// EncryptStream encrypts a plain SQLite image whose pages keep ReserveSize
// bytes of reserve space. A random salt is drawn when salt is nil.
func EncryptStream(key Key, salt []byte, src io.ReaderAt, size int64, dst io.Writer) error {
	if size == 0 || size%PageSize != 0 {
		return fmt.Errorf("size %d is not a multiple of the %d-byte page", size, PageSize)
	}
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("salt: %w", err)
		}
	}
	keys := key.ForSalt(salt)
	in := make([]byte, PageSize)
	out := make([]byte, PageSize)
	iv := make([]byte, IVSize)
	for i := int64(0); i < size/PageSize; i++ {
		if _, err := src.ReadAt(in, i*PageSize); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read page %d: %w", i+1, err)
		}
		if _, err := rand.Read(iv); err != nil {
			return fmt.Errorf("iv: %w", err)
		}
		if err := EncryptPage(keys, uint32(i+1), salt, iv, in, out); err != nil {
			return err
		}
		if _, err := dst.Write(out); err != nil {
			return fmt.Errorf("write page %d: %w", i+1, err)
		}
	}
	return nil
}
