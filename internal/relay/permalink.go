package relay

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// EncodeCode compresses code into the URL-safe form used by "?z=" links.
// Padding is stripped.
func EncodeCode(code string) (string, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, code); err != nil {
		return "", fmt.Errorf("compressing code: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("compressing code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeCode reverses EncodeCode. Padding is optional, and the standard
// alphabet is accepted as well as the URL-safe one.
func DecodeCode(z string) (string, error) {
	z = strings.TrimRight(strings.TrimSpace(z), "=")
	z = strings.NewReplacer("+", "-", "/", "_", " ", "-").Replace(z)
	raw, err := base64.RawURLEncoding.DecodeString(z)
	if err != nil {
		return "", fmt.Errorf("decoding link: %w", err)
	}
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decompressing link: %w", err)
	}
	defer r.Close()
	code, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decompressing link: %w", err)
	}
	return string(code), nil
}
