// Package crypto carries the fixed cipher suite of the transport:
// per-datagram ephemeral X25519 agreement against the recipient's
// static key, SHA3-256 label KDF, XChaCha20-Poly1305 sealing, and an
// Ed25519 signature over the ciphertext. Sealing only needs the
// recipient's public key, so a process can decrypt an introduction
// from a peer it has never seen; the signature is checked once the
// sender's sign key is known.
package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
)

const labelSealKey = "lanpong:seal:v1"

// Identity is one process's long-lived key material: an X25519 pair
// for agreement and an Ed25519 pair for signatures. Public halves are
// broadcast in every discovery announcement.
type Identity struct {
	encPriv *ecdh.PrivateKey
	EncPub  []byte

	signPriv ed25519.PrivateKey
	SignPub  []byte
}

func NewIdentity() (*Identity, error) {
	encPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		encPriv:  encPriv,
		EncPub:   encPriv.PublicKey().Bytes(),
		signPriv: signPriv,
		SignPub:  signPub,
	}, nil
}

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF hashes a label with the given parts into a 32-byte key.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// Envelope is one sealed datagram.
type Envelope struct {
	EPK   []byte `json:"epk"`
	Nonce []byte `json:"nonce"`
	CT    []byte `json:"ct"`
	Sig   []byte `json:"sig"`
}

// Seal encrypts plaintext to the recipient's static encryption key
// using a fresh ephemeral pair, and signs the ciphertext.
func (id *Identity) Seal(peerEncPub, plaintext []byte) (*Envelope, error) {
	if id == nil || id.encPriv == nil {
		return nil, errors.New("identity unavailable")
	}
	recipient, err := ecdh.X25519().NewPublicKey(peerEncPub)
	if err != nil {
		return nil, fmt.Errorf("bad recipient key: %w", err)
	}
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	ss, err := eph.ECDH(recipient)
	if err != nil {
		return nil, err
	}
	epk := eph.PublicKey().Bytes()
	key := KDF(labelSealKey, ss, epk, peerEncPub)
	zeroBytes(ss)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		EPK:   epk,
		Nonce: nonce,
		CT:    ct,
		Sig:   ed25519.Sign(id.signPriv, ct),
	}, nil
}

// Open decrypts an envelope sealed to this identity. It does NOT
// check the signature; callers verify with the sender's key once they
// know who the sender is.
func (id *Identity) Open(env *Envelope) ([]byte, error) {
	if id == nil || id.encPriv == nil {
		return nil, errors.New("identity unavailable")
	}
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if len(env.Nonce) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size %d", len(env.Nonce))
	}
	epk, err := ecdh.X25519().NewPublicKey(env.EPK)
	if err != nil {
		return nil, fmt.Errorf("bad ephemeral key: %w", err)
	}
	ss, err := id.encPriv.ECDH(epk)
	if err != nil {
		return nil, err
	}
	key := KDF(labelSealKey, ss, env.EPK, id.EncPub)
	zeroBytes(ss)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, env.Nonce, env.CT, nil)
}

// Verify checks the envelope signature against a sender's sign key.
func Verify(signPub []byte, env *Envelope) bool {
	if len(signPub) != ed25519.PublicKeySize || env == nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signPub), env.CT, env.Sig)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
