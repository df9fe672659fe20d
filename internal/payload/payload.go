// Package payload decodes message content columns.
package payload

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/wesm/shardvault/internal/textutil"
)

// CodecZstd marks a zstd-compressed content column.
const CodecZstd = 4

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

// sharedDecoder returns a process-wide decoder. DecodeAll is safe for
// concurrent use.
func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder, decoderErr
}

// Decode returns the text of a content column. codec is the value of the
// column's compression-type companion; content carrying a zstd frame header
// is decompressed even when the codec column is missing. Text in a legacy
// charset is converted to UTF-8.
func Decode(content []byte, codec int64) (string, error) {
	if len(content) == 0 {
		return "", nil
	}
	if codec == CodecZstd || bytes.HasPrefix(content, zstdMagic) {
		d, err := sharedDecoder()
		if err != nil {
			return "", fmt.Errorf("create zstd decoder: %w", err)
		}
		out, err := d.DecodeAll(content, nil)
		if err != nil {
			return "", fmt.Errorf("decompress content: %w", err)
		}
		content = out
	}
	return textutil.ToUTF8(content), nil
}

// SplitGroupSender splits group-chat content of the form "<sender>:\n<text>".
// ok is false when text carries no sender prefix.
func SplitGroupSender(text string) (sender, body string, ok bool) {
	i := strings.Index(text, ":\n")
	if i <= 0 || strings.ContainsAny(text[:i], " \n") {
		return "", text, false
	}
	return text[:i], text[i+2:], true
}
