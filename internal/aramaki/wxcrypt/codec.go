// Package wxcrypt implements the encrypted envelope format used by the
// enterprise-messaging platform's callback protocol: AES-256-CBC with the IV
// taken from the leading bytes of the key, a length-prefixed payload layout,
// and a SHA-1 signature over the sorted request tuple.
package wxcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// EncodingKeyLen is the length of the base64 key string handed out by
	// the platform console. One '=' pad character is appended before
	// decoding, yielding the 32-byte AES key.
	EncodingKeyLen = 43

	keyLen  = 32
	randLen = 16
	// The platform pads plaintext to 32-byte blocks even though AES blocks
	// are 16 bytes.
	padBlock = 32
)

var (
	// ErrKey is returned by NewCodec when the encoding key is not a valid
	// 43-character base64 key.
	ErrKey = errors.New("wxcrypt: invalid encoding key")

	// ErrDecode is the uniform failure reported for every malformed
	// envelope: bad base64, bad padding, truncated layout, or receiver-id
	// mismatch. Callers must treat it as a client-input error, never as a
	// fatal condition.
	ErrDecode = errors.New("wxcrypt: decode failure")
)

// Codec encrypts and decrypts envelope payloads for one account. It is
// immutable and safe for concurrent use.
type Codec struct {
	key        []byte
	receiverID []byte
}

// NewCodec builds a Codec from the account's 43-character encoding key and
// its platform-assigned receiver ID (appended to every plaintext and checked
// on decrypt as the integrity trailer).
func NewCodec(encodingAESKey, receiverID string) (*Codec, error) {
	if len(encodingAESKey) != EncodingKeyLen {
		return nil, fmt.Errorf("%w: want %d characters, got %d", ErrKey, EncodingKeyLen, len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("%w: decodes to %d bytes, want %d", ErrKey, len(key), keyLen)
	}
	return &Codec{key: key, receiverID: []byte(receiverID)}, nil
}

// Decrypt base64-decodes and decrypts an envelope ciphertext, verifies the
// trailing receiver ID, and returns the embedded message bytes.
//
// The decrypted buffer layout is:
//
//	[16 random bytes][4-byte big-endian length][message][receiverID]
func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	if len(raw) < padBlock || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecode, len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("wxcrypt: new cipher: %w", err)
	}
	buf := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(buf, raw)

	buf, err = stripPadding(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < randLen+4 {
		return nil, fmt.Errorf("%w: plaintext too short", ErrDecode)
	}

	msgLen := binary.BigEndian.Uint32(buf[randLen : randLen+4])
	rest := buf[randLen+4:]
	if uint64(msgLen) > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: message length %d exceeds payload", ErrDecode, msgLen)
	}
	msg, trailer := rest[:msgLen], rest[msgLen:]
	if !bytes.Equal(trailer, c.receiverID) {
		return nil, fmt.Errorf("%w: receiver id mismatch", ErrDecode)
	}

	out := make([]byte, len(msg))
	copy(out, msg)
	return out, nil
}

// Encrypt builds the platform payload layout around plaintext, pads it,
// encrypts it with AES-CBC, and returns the base64 ciphertext.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	buf := make([]byte, 0, randLen+4+len(plaintext)+len(c.receiverID)+padBlock)

	rnd := make([]byte, randLen)
	if _, err := io.ReadFull(rand.Reader, rnd); err != nil {
		return "", fmt.Errorf("wxcrypt: random prefix: %w", err)
	}
	buf = append(buf, rnd...)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(plaintext)))
	buf = append(buf, lenPrefix[:]...)
	buf = append(buf, plaintext...)
	buf = append(buf, c.receiverID...)
	buf = applyPadding(buf)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("wxcrypt: new cipher: %w", err)
	}
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, buf)

	return base64.StdEncoding.EncodeToString(out), nil
}

// applyPadding appends PKCS#7 padding up to the platform's 32-byte block.
func applyPadding(buf []byte) []byte {
	n := padBlock - len(buf)%padBlock
	if n == 0 {
		n = padBlock
	}
	return append(buf, bytes.Repeat([]byte{byte(n)}, n)...)
}

// stripPadding removes and validates PKCS#7 padding.
func stripPadding(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecode)
	}
	n := int(buf[len(buf)-1])
	if n < 1 || n > padBlock || n > len(buf) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecode)
	}
	for _, b := range buf[len(buf)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecode)
		}
	}
	return buf[:len(buf)-n], nil
}
