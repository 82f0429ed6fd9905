package xrayconf

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"os/exec"
	"strings"
	"time"

	"xray-control/internal/logger"
)

const x25519HelperTimeout = 5 * time.Second

// DerivePublicKey returns the Reality public key for a base64 private key.
// It asks the xray binary first and computes it in-process when the binary
// is unavailable or its output is unusable.
func DerivePublicKey(ctx context.Context, xrayBinary, privateKey string) (string, error) {
	raw, err := decodeKey32(privateKey)
	if err != nil {
		return "", &ConfigError{Msg: "invalid reality private key", Err: err}
	}

	if xrayBinary != "" {
		pub, err := helperPublicKey(ctx, xrayBinary, privateKey)
		if err == nil {
			return pub, nil
		}
		logger.Debugf("xray x25519 helper unavailable, using built-in derivation: %v", err)
	}

	return x25519PublicKey(raw)
}

func x25519PublicKey(raw []byte) (string, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return "", &ConfigError{Msg: "invalid reality private key", Err: err}
	}
	return base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()), nil
}

func helperPublicKey(ctx context.Context, binary, privateKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, x25519HelperTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "x25519", "-i", privateKey).Output()
	if err != nil {
		return "", err
	}
	pub := parseX25519Output(out)
	if pub == "" {
		return "", configErrorf("unexpected x25519 output")
	}
	if _, err := decodeKey32(pub); err != nil {
		return "", err
	}
	return pub, nil
}

// parseX25519Output understands both the "Public key: ..." and the newer
// "Password: ..." output of `xray x25519`.
func parseX25519Output(out []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "")) {
		case "publickey", "password":
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func decodeKey32(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, configErrorf("empty key")
	}
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil {
			if len(b) != 32 {
				return nil, configErrorf("key must decode to 32 bytes, got %d", len(b))
			}
			return b, nil
		}
	}
	return nil, configErrorf("key is not valid base64")
}
