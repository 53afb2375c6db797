package extract

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
)

// Japanese senders still attach Shift_JIS and EUC-JP text and CSV files
var fallbackEncodings = []encoding.Encoding{
	japanese.ShiftJIS,
	japanese.EUCJP,
}

// decodeText returns data as UTF-8, trying common legacy encodings when it
// is not valid UTF-8
func decodeText(data []byte) string {
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		data = data[3:]
	}
	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) {
		if out, err := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder().Bytes(data); err == nil {
			return string(out)
		}
	}
	if utf8.Valid(data) {
		return string(data)
	}
	for _, enc := range fallbackEncodings {
		out, err := enc.NewDecoder().Bytes(data)
		if err == nil && utf8.Valid(out) && !bytes.ContainsRune(out, utf8.RuneError) {
			return string(out)
		}
	}
	return string(bytes.ToValidUTF8(data, []byte("?")))
}
