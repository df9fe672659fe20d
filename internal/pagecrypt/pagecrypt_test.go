package pagecrypt

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wesm/shardvault/internal/testutil/dbtest"
)

const rawHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testKeys(t *testing.T) Keys {
	t.Helper()
	k, err := ParseKey(rawHex)
	if err != nil {
		t.Fatal(err)
	}
	return k.ForSalt(bytes.Repeat([]byte{7}, SaltSize))
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		derived bool
		wantErr bool
	}{
		{"raw", rawHex, false, false},
		{"raw with whitespace", "  " + rawHex + "\n", false, false},
		{"derived pair", rawHex + ":" + rawHex, true, false},
		{"short", "abcd", false, true},
		{"not hex", strings.Repeat("zz", 32), false, true},
		{"bad mac half", rawHex + ":00", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := ParseKey(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrBadKey) {
					t.Fatalf("err = %v, want ErrBadKey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey: %v", err)
			}
			if (k.derived != nil) != tt.derived {
				t.Errorf("derived = %v, want %v", k.derived != nil, tt.derived)
			}
		})
	}
}

func TestDeriveKeys_SaltDependent(t *testing.T) {
	k, _ := ParseKey(rawHex)
	a := k.ForSalt(bytes.Repeat([]byte{1}, SaltSize))
	b := k.ForSalt(bytes.Repeat([]byte{2}, SaltSize))
	if bytes.Equal(a.Enc, b.Enc) || bytes.Equal(a.MAC, b.MAC) {
		t.Error("different salts produced the same keys")
	}
	if bytes.Equal(a.Enc, a.MAC) {
		t.Error("enc and mac keys are identical")
	}
	again := k.ForSalt(bytes.Repeat([]byte{1}, SaltSize))
	if !bytes.Equal(a.Enc, again.Enc) {
		t.Error("derivation is not deterministic")
	}
}

func plainPage(pgno uint32) []byte {
	p := make([]byte, PageSize)
	for i := range p[:PageSize-ReserveSize] {
		p[i] = byte(i*7 + int(pgno))
	}
	if pgno == 1 {
		copy(p, sqliteHeader)
	}
	return p
}

func TestPageRoundTrip(t *testing.T) {
	keys := testKeys(t)
	salt := bytes.Repeat([]byte{7}, SaltSize)
	iv := bytes.Repeat([]byte{9}, IVSize)
	for _, pgno := range []uint32{1, 2, 57} {
		src := plainPage(pgno)
		enc := make([]byte, PageSize)
		if err := EncryptPage(keys, pgno, salt, iv, src, enc); err != nil {
			t.Fatalf("EncryptPage(%d): %v", pgno, err)
		}
		if bytes.Equal(enc[SaltSize:64], src[SaltSize:64]) {
			t.Fatalf("page %d: ciphertext equals plaintext", pgno)
		}
		dec := make([]byte, PageSize)
		if err := DecryptPage(keys, pgno, enc, dec); err != nil {
			t.Fatalf("DecryptPage(%d): %v", pgno, err)
		}
		n := PageSize - ReserveSize
		if !bytes.Equal(dec[:n], src[:n]) {
			t.Errorf("page %d: decrypted content differs", pgno)
		}
	}
}

func TestDecryptPage_DetectsTampering(t *testing.T) {
	keys := testKeys(t)
	salt := bytes.Repeat([]byte{7}, SaltSize)
	enc := make([]byte, PageSize)
	if err := EncryptPage(keys, 3, salt, bytes.Repeat([]byte{1}, IVSize), plainPage(3), enc); err != nil {
		t.Fatal(err)
	}
	dec := make([]byte, PageSize)

	// Wrong page number.
	if err := DecryptPage(keys, 4, enc, dec); !errors.Is(err, ErrAuth) {
		t.Errorf("wrong pgno: err = %v, want ErrAuth", err)
	}
	// Flipped ciphertext bit.
	enc[100] ^= 1
	if err := DecryptPage(keys, 3, enc, dec); !errors.Is(err, ErrAuth) {
		t.Errorf("tampered: err = %v, want ErrAuth", err)
	}
	enc[100] ^= 1
	// Wrong key.
	k2, _ := ParseKey(strings.Repeat("ab", 32))
	if err := DecryptPage(k2.ForSalt(salt), 3, enc, dec); !errors.Is(err, ErrAuth) {
		t.Errorf("wrong key: err = %v, want ErrAuth", err)
	}
}

func TestSalt_PlainFile(t *testing.T) {
	if _, err := Salt(plainPage(1)); !errors.Is(err, ErrNotEncrypted) {
		t.Errorf("err = %v, want ErrNotEncrypted", err)
	}
}

func TestStreamRoundTripProducesReadableDatabase(t *testing.T) {
	dir := t.TempDir()
	s := dbtest.NewReservedShard(t, filepath.Join(dir, "plain.db"), ReserveSize)
	table := s.AddConversation("wxid_peer", dbtest.TableOpts{})
	s.AddTimestamps(table, 100, 200, 300)
	s.DB.Close()

	key, _ := ParseKey(rawHex)
	plain, err := os.ReadFile(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	var enc bytes.Buffer
	if err := EncryptStream(key, nil, bytes.NewReader(plain), int64(len(plain)), &enc); err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	if bytes.HasPrefix(enc.Bytes(), sqliteHeader) {
		t.Fatal("encrypted image still has the SQLite header")
	}

	out := filepath.Join(dir, "decrypted.db")
	f, err := os.Create(out)
	if err != nil {
		t.Fatal(err)
	}
	n, err := DecryptStream(context.Background(), key, bytes.NewReader(enc.Bytes()), int64(enc.Len()), f)
	f.Close()
	if err != nil {
		t.Fatalf("DecryptStream: %v", err)
	}
	if n != len(plain)/PageSize {
		t.Errorf("pages = %d, want %d", n, len(plain)/PageSize)
	}

	db, err := sql.Open("sqlite3", "file:"+out+"?mode=ro")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&count); err != nil {
		t.Fatalf("query decrypted db: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestDecryptStream_RejectsBadSize(t *testing.T) {
	key, _ := ParseKey(rawHex)
	_, err := DecryptStream(context.Background(), key, bytes.NewReader(make([]byte, 100)), 100, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for truncated file")
	}
}
