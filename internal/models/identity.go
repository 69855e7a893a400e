package models

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
	"unicode"
)

const maxNameBytes = 255

// Fingerprint описывает алгоритм контентного отпечатка, которым клиент именует загрузку.
type Fingerprint struct {
	Name   string
	HexLen int
	New    func() hash.Hash
}

var (
	FingerprintMD5    = Fingerprint{Name: "md5", HexLen: md5.Size * 2, New: md5.New}
	FingerprintSHA256 = Fingerprint{Name: "sha256", HexLen: sha256.Size * 2, New: sha256.New}
)

// ParseFingerprint возвращает алгоритм по имени из конфигурации.
func ParseFingerprint(name string) (Fingerprint, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "md5":
		return FingerprintMD5, nil
	case "sha256", "sha-256":
		return FingerprintSHA256, nil
	default:
		return Fingerprint{}, fmt.Errorf("unknown fingerprint %q", name)
	}
}

// ParseIdentity нормализует и валидирует недоверенный идентификатор загрузки.
// Допускается только hex фиксированной длины, поэтому значение безопасно как компонент пути.
func (f Fingerprint) ParseIdentity(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return "", fmt.Errorf("%w: identity is empty", ErrInvalidArgument)
	}
	if len(id) != f.HexLen {
		return "", fmt.Errorf("%w: identity must be %d hex chars", ErrInvalidArgument, f.HexLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: identity must be hex", ErrInvalidArgument)
		}
	}

	return id, nil
}

// Sum считает отпечаток потока в hex.
func (f Fingerprint) Sum(r io.Reader) (string, error) {
	h := f.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SanitizeName проверяет отображаемое имя итогового файла.
// Разделители путей, "." / ".." и управляющие символы отклоняются, а не вырезаются.
func SanitizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: file name is empty", ErrInvalidArgument)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: file name %q is reserved", ErrInvalidArgument, name)
	case len(name) > maxNameBytes:
		return "", fmt.Errorf("%w: file name longer than %d bytes", ErrInvalidArgument, maxNameBytes)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: file name must not contain path separators", ErrInvalidArgument)
	case strings.Contains(name, ".."):
		return "", fmt.Errorf("%w: file name must not contain traversal sequences", ErrInvalidArgument)
	}
	for _, r := range name {
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: file name contains control characters", ErrInvalidArgument)
		}
	}

	return name, nil
}

// ValidateIndex отсекает отрицательные индексы и индексы вне лимита.
func ValidateIndex(idx, max int) error {
	if idx < 0 {
		return fmt.Errorf("%w: chunk index must be non-negative", ErrInvalidArgument)
	}
	if max > 0 && idx >= max {
		return fmt.Errorf("%w: chunk index %d exceeds limit %d", ErrInvalidArgument, idx, max)
	}

	return nil
}
