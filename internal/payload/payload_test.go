package payload

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func compress(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

func TestDecode(t *testing.T) {
	packed := compress(t, "hello from a compressed row")
	tests := []struct {
		name    string
		content []byte
		codec   int64
		want    string
	}{
		{"empty", nil, 0, ""},
		{"plain", []byte("hi"), 0, "hi"},
		{"zstd codec", packed, CodecZstd, "hello from a compressed row"},
		{"zstd by magic", packed, 0, "hello from a compressed row"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.content, tt.codec)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode_LegacyCharset(t *testing.T) {
	gb, err := simplifiedchinese.GB18030.NewEncoder().Bytes([]byte("晚上一起吃饭吗？我在公司楼下等你，七点见。"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(gb, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !utf8.ValidString(got) || strings.ContainsRune(got, utf8.RuneError) {
		t.Errorf("Decode = %q, want clean UTF-8", got)
	}
}

func TestDecode_CorruptZstd(t *testing.T) {
	if _, err := Decode([]byte("not a frame"), CodecZstd); err == nil {
		t.Error("expected error for corrupt zstd content")
	}
}

func TestSplitGroupSender(t *testing.T) {
	tests := []struct {
		in         string
		wantSender string
		wantBody   string
		wantOK     bool
	}{
		{"wxid_abc:\nhello", "wxid_abc", "hello", true},
		{"wxid_abc:\nline1\nline2", "wxid_abc", "line1\nline2", true},
		{"plain message", "", "plain message", false},
		{"note: not a sender:\nx", "", "note: not a sender:\nx", false},
		{":\nempty sender", "", ":\nempty sender", false},
	}
	for _, tt := range tests {
		sender, body, ok := SplitGroupSender(tt.in)
		if sender != tt.wantSender || body != tt.wantBody || ok != tt.wantOK {
			t.Errorf("SplitGroupSender(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, sender, body, ok, tt.wantSender, tt.wantBody, tt.wantOK)
		}
	}
}
