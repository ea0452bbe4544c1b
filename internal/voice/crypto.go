package voice

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"slices"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// Encryption modes, in order of preference.
const (
	ModeAES256GCM = "aead_aes256_gcm_rtpsize"
	ModeXChaCha20 = "aead_xchacha20_poly1305_rtpsize"
	ModeXSalsa20  = "xsalsa20_poly1305"
)

var modePreference = []string{ModeAES256GCM, ModeXChaCha20, ModeXSalsa20}

// SelectMode picks the most preferred mode the server offers.
func SelectMode(offered []string) (string, error) {
	for _, m := range modePreference {
		if slices.Contains(offered, m) {
			return m, nil
		}
	}
	return "", fmt.Errorf("voice: no supported encryption mode in %v", offered)
}

// sealer encrypts one RTP payload. The result is the full packet.
type sealer interface {
	seal(header, opus []byte) []byte
}

func newSealer(mode string, key [32]byte) (sealer, error) {
	switch mode {
	case ModeAES256GCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		return &aeadSealer{aead: gcm}, nil
	case ModeXChaCha20:
		x, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, err
		}
		return &aeadSealer{aead: x}, nil
	case ModeXSalsa20:
		return &secretboxSealer{key: key}, nil
	}
	return nil, fmt.Errorf("voice: unsupported encryption mode %q", mode)
}

// aeadSealer implements the rtpsize AEAD modes: the RTP header is the
// additional data and a 32-bit nonce counter is appended to the packet.
type aeadSealer struct {
	aead  cipher.AEAD
	nonce uint32
}

func (s *aeadSealer) seal(header, opus []byte) []byte {
	nonce := make([]byte, s.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, s.nonce)
	s.nonce++

	out := make([]byte, len(header), len(header)+len(opus)+s.aead.Overhead()+4)
	copy(out, header)
	out = s.aead.Seal(out, nonce, opus, header)
	return append(out, nonce[:4]...)
}

// secretboxSealer uses the RTP header, zero padded, as the nonce.
type secretboxSealer struct {
	key [32]byte
}

func (s *secretboxSealer) seal(header, opus []byte) []byte {
	var nonce [24]byte
	copy(nonce[:], header)
	out := make([]byte, len(header), len(header)+len(opus)+secretbox.Overhead)
	copy(out, header)
	return secretbox.Seal(out, opus, &nonce, &s.key)
}
