// Package textutil repairs message text that is not valid UTF-8.
package textutil

import (
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// fallbacks are tried in order when detection fails. Older clients wrote
// content in the platform's legacy code page, so the CJK encodings lead.
var fallbacks = []encoding.Encoding{
	simplifiedchinese.GB18030,
	traditionalchinese.Big5,
	japanese.ShiftJIS,
	korean.EUCKR,
	charmap.Windows1252,
}

// ToUTF8 returns b as UTF-8 text. Valid UTF-8 is returned unchanged.
// Otherwise the charset is detected and, failing that, the legacy encodings
// common in older shards are tried in turn. Bytes no decoder accepts are
// replaced with U+FFFD.
func ToUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	// chardet is unreliable on short input, so demand more confidence the
	// less there is to go on.
	minConfidence := 50
	if len(b) <= 50 {
		minConfidence = 30
	}
	if res, err := chardet.NewTextDetector().DetectBest(b); err == nil && res.Confidence >= minConfidence {
		if enc := EncodingByName(res.Charset); enc != nil {
			if s, ok := decode(enc, b); ok {
				return s
			}
		}
	}

	for _, enc := range fallbacks {
		if s, ok := decode(enc, b); ok {
			return s
		}
	}
	return Sanitize(string(b))
}

// decode reports ok only for a clean decode. x/text decoders substitute
// U+FFFD for bytes they cannot map instead of failing.
func decode(enc encoding.Encoding, b []byte) (string, bool) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil || !utf8.Valid(out) || strings.ContainsRune(string(out), utf8.RuneError) {
		return "", false
	}
	return string(out), true
}

// Sanitize replaces each invalid byte with U+FFFD.
func Sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.WriteString(s[i : i+size])
		}
		i += size
	}
	return sb.String()
}

// EncodingByName returns the encoding for an IANA or chardet charset name,
// or nil when it is not supported. Case, hyphens and underscores are
// ignored.
func EncodingByName(name string) encoding.Encoding {
	key := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(name))
	switch key {
	case "gb18030":
		return simplifiedchinese.GB18030
	case "gbk", "gb2312", "cp936":
		return simplifiedchinese.GBK
	case "hzgb2312":
		return simplifiedchinese.HZGB2312
	case "big5", "cp950":
		return traditionalchinese.Big5
	case "shiftjis", "sjis", "cp932":
		return japanese.ShiftJIS
	case "eucjp":
		return japanese.EUCJP
	case "iso2022jp":
		return japanese.ISO2022JP
	case "euckr", "cp949":
		return korean.EUCKR
	case "utf16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case "utf16be":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case "windows1252", "cp1252":
		return charmap.Windows1252
	case "iso88591", "latin1":
		return charmap.ISO8859_1
	case "windows1251", "cp1251":
		return charmap.Windows1251
	case "koi8r":
		return charmap.KOI8R
	default:
		return nil
	}
}
