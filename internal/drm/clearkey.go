package drm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ClearKey is an AES-128-CBC whole-file key, as declared by HLS
// EXT-X-KEY METHOD=AES-128 tags. The key bytes are fetched from KeyURI
// on resolution when not already present.
type ClearKey struct {
	Key []byte
	IV  []byte

	// KeyURI is the absolute key location for deferred fetching.
	KeyURI string
}

// NewClearKey builds a descriptor from an HLS key tag. uri must already be
// resolved against the playlist URL. ivHex is the tag's IV attribute
// without the 0x prefix; when empty the IV defaults to zero bytes.
func NewClearKey(uri, ivHex string) (*ClearKey, error) {
	ck := &ClearKey{KeyURI: uri}
	if ivHex != "" {
		iv, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(ivHex), "0x"))
		if err != nil {
			return nil, fmt.Errorf("decoding key IV: %w", err)
		}
		ck.IV = iv
	}
	return ck, nil
}

// System implements Descriptor.
func (c *ClearKey) System() System { return SystemClearKey }

// Ready implements Descriptor.
func (c *ClearKey) Ready() bool { return len(c.Key) > 0 }

// Clone implements Descriptor.
func (c *ClearKey) Clone() Descriptor {
	return &ClearKey{
		Key:    append([]byte(nil), c.Key...),
		IV:     append([]byte(nil), c.IV...),
		KeyURI: c.KeyURI,
	}
}

// Fetch retrieves the key bytes via fetch when they are not already set.
func (c *ClearKey) Fetch(ctx context.Context, fetch func(ctx context.Context, url string) ([]byte, error)) error {
	if c.Ready() {
		return nil
	}
	if c.KeyURI == "" {
		return errors.New("clearkey descriptor has neither key nor key URI")
	}
	key, err := fetch(ctx, c.KeyURI)
	if err != nil {
		return fmt.Errorf("fetching clearkey: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("clearkey has invalid length %d", len(key))
	}
	c.Key = key
	return nil
}

// DecryptFile decrypts path in place. The whole file is treated as one
// CBC stream; this matches how segmented downloads are assembled before
// decryption.
func (c *ClearKey) DecryptFile(path string) error {
	if !c.Ready() {
		return errors.New("clearkey is not ready, fetch the key first")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(c.Key)
	if err != nil {
		return fmt.Errorf("loading clearkey: %w", err)
	}
	if len(data)%aes.BlockSize != 0 {
		return fmt.Errorf("ciphertext length %d is not block aligned", len(data))
	}
	iv := c.IV
	if len(iv) < aes.BlockSize {
		padded := make([]byte, aes.BlockSize)
		if len(iv) > 0 {
			for i := range padded {
				padded[i] = iv[i%len(iv)]
			}
		}
		iv = padded
	}
	cipher.NewCBCDecrypter(block, iv[:aes.BlockSize]).CryptBlocks(data, data)

	tmp := path + ".dec"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
