package engine

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	cipherChaCha20Poly1305 = "chacha20-poly1305@openssh.com"
	cipherAES128GCM        = "aes128-gcm@openssh.com"
	cipherAES256GCM        = "aes256-gcm@openssh.com"

	// maxPacket bounds packet_length on the receive side.
	maxPacket = 256 * 1024

	tagSize = 16
)

var errMACMismatch = errors.New("engine: packet authentication failed")

// packetCipher seals and opens whole binary packets for one direction.
type packetCipher interface {
	seal(seq uint32, payload []byte, rand io.Reader) ([]byte, error)
	open(seq uint32, buf []byte) (payload []byte, n int, err error)
}

type cipherMode struct {
	keySize int
	ivSize  int
	create  func(key, iv []byte) (packetCipher, error)
}

var cipherModes = map[string]*cipherMode{
	cipherChaCha20Poly1305: {64, 0, newChaChaCipher},
	cipherAES128GCM:        {16, 12, newGCMCipher},
	cipherAES256GCM:        {32, 12, newGCMCipher},
}

// padding returns a padding length that aligns n+padding to block, with at
// least four bytes of padding.
func padding(n, block int) int {
	p := block - n%block
	if p < 4 {
		p += block
	}
	return p
}

func fillPadding(dst []byte, rand io.Reader) error {
	_, err := io.ReadFull(rand, dst)
	return err
}

// plainCipher frames packets before the first NEWKEYS.
type plainCipher struct{}

func (plainCipher) seal(_ uint32, payload []byte, rand io.Reader) ([]byte, error) {
	pad := padding(5+len(payload), 8)
	length := 1 + len(payload) + pad
	packet := make([]byte, 4+length)
	binary.BigEndian.PutUint32(packet, uint32(length))
	packet[4] = byte(pad)
	copy(packet[5:], payload)
	if err := fillPadding(packet[5+len(payload):], rand); err != nil {
		return nil, err
	}
	return packet, nil
}

func (plainCipher) open(_ uint32, buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf)
	if length < 5 || length > maxPacket {
		return nil, 0, fmt.Errorf("engine: invalid packet length %d", length)
	}
	if len(buf) < 4+int(length) {
		return nil, 0, ErrIncomplete
	}
	return unpad(buf[4 : 4+length])
}

// unpad strips padding from padding_length||payload||padding.
func unpad(plain []byte) ([]byte, int, error) {
	pad := int(plain[0])
	if pad+1 > len(plain) {
		return nil, 0, fmt.Errorf("engine: invalid padding length %d", pad)
	}
	payload := make([]byte, len(plain)-1-pad)
	copy(payload, plain[1:])
	if len(payload) == 0 {
		return nil, 0, errors.New("engine: empty packet")
	}
	return payload, 4 + len(plain), nil
}

// chachaCipher implements chacha20-poly1305@openssh.com. The first 32 bytes
// of the key encrypt the payload, the last 32 bytes encrypt the length.
type chachaCipher struct {
	contentKey [32]byte
	lengthKey  [32]byte
}

func newChaChaCipher(key, _ []byte) (packetCipher, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("engine: chacha20-poly1305 needs a 64 byte key, got %d", len(key))
	}
	c := &chachaCipher{}
	copy(c.contentKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c, nil
}

func chachaNonce(seq uint32) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], seq)
	return nonce
}

// content returns the payload stream positioned at block one and the
// poly1305 key taken from block zero.
func (c *chachaCipher) content(nonce []byte) (*chacha20.Cipher, *[32]byte, error) {
	s, err := chacha20.NewUnauthenticatedCipher(c.contentKey[:], nonce)
	if err != nil {
		return nil, nil, err
	}
	var polyKey, discard [32]byte
	s.XORKeyStream(polyKey[:], polyKey[:])
	s.XORKeyStream(discard[:], discard[:])
	return s, &polyKey, nil
}

func (c *chachaCipher) seal(seq uint32, payload []byte, rand io.Reader) ([]byte, error) {
	nonce := chachaNonce(seq)
	pad := padding(1+len(payload), 8)
	length := 1 + len(payload) + pad
	packet := make([]byte, 4+length+tagSize)
	binary.BigEndian.PutUint32(packet, uint32(length))
	ls, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce)
	if err != nil {
		return nil, err
	}
	ls.XORKeyStream(packet[:4], packet[:4])
	packet[4] = byte(pad)
	copy(packet[5:], payload)
	if err := fillPadding(packet[5+len(payload):4+length], rand); err != nil {
		return nil, err
	}
	s, polyKey, err := c.content(nonce)
	if err != nil {
		return nil, err
	}
	s.XORKeyStream(packet[4:4+length], packet[4:4+length])
	var tag [tagSize]byte
	poly1305.Sum(&tag, packet[:4+length], polyKey)
	copy(packet[4+length:], tag[:])
	return packet, nil
}

func (c *chachaCipher) open(seq uint32, buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrIncomplete
	}
	nonce := chachaNonce(seq)
	ls, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce)
	if err != nil {
		return nil, 0, err
	}
	var lenBuf [4]byte
	ls.XORKeyStream(lenBuf[:], buf[:4])
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 5 || length > maxPacket {
		return nil, 0, fmt.Errorf("engine: invalid packet length %d", length)
	}
	total := 4 + int(length) + tagSize
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	s, polyKey, err := c.content(nonce)
	if err != nil {
		return nil, 0, err
	}
	var tag [tagSize]byte
	copy(tag[:], buf[4+length:total])
	if !poly1305.Verify(&tag, buf[:4+length], polyKey) {
		return nil, 0, errMACMismatch
	}
	plain := make([]byte, length)
	s.XORKeyStream(plain, buf[4:4+length])
	payload, _, err := unpad(plain)
	if err != nil {
		return nil, 0, err
	}
	return payload, total, nil
}

// gcmCipher implements aes{128,256}-gcm@openssh.com (RFC 5647). The packet
// length travels in the clear as additional data.
type gcmCipher struct {
	aead cipher.AEAD
	iv   []byte
}

func newGCMCipher(key, iv []byte) (packetCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &gcmCipher{aead: aead, iv: append([]byte(nil), iv...)}, nil
}

func (c *gcmCipher) incIV() {
	for i := 4 + 7; i >= 4; i-- {
		c.iv[i]++
		if c.iv[i] != 0 {
			break
		}
	}
}

func (c *gcmCipher) seal(_ uint32, payload []byte, rand io.Reader) ([]byte, error) {
	pad := padding(1+len(payload), aes.BlockSize)
	length := 1 + len(payload) + pad
	plain := make([]byte, length)
	plain[0] = byte(pad)
	copy(plain[1:], payload)
	if err := fillPadding(plain[1+len(payload):], rand); err != nil {
		return nil, err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(length))
	packet := make([]byte, 4, 4+length+tagSize)
	copy(packet, header[:])
	packet = c.aead.Seal(packet, c.iv, plain, header[:])
	c.incIV()
	return packet, nil
}

func (c *gcmCipher) open(_ uint32, buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf)
	if length < 5 || length > maxPacket || length%aes.BlockSize != 0 {
		return nil, 0, fmt.Errorf("engine: invalid packet length %d", length)
	}
	total := 4 + int(length) + tagSize
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	plain, err := c.aead.Open(nil, c.iv, buf[4:total], buf[:4])
	if err != nil {
		return nil, 0, errMACMismatch
	}
	c.incIV()
	payload, _, err := unpad(plain)
	if err != nil {
		return nil, 0, err
	}
	return payload, total, nil
}
