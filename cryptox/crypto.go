// Package cryptox implements the client-side cryptography for DRACOON
// end-to-end encryption: per-file content keys (AES-256-GCM), RSA-4096
// user key pairs, and passphrase-protected private key containers.
//
// A file is encrypted with a fresh symmetric content key. The key never
// leaves the client in plain form: it is wrapped with RSA-OAEP under the
// public key of every principal that may read the file. The GCM tag is
// carried alongside the wrapped key, so ciphertext and plaintext always
// have the same length.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Key pair and file key format identifiers carried on the wire.
const (
	UserKeyPairVersionRSA4096 = "RSA-4096"
	FileKeyVersionAES256GCM   = "RSA-4096/AES-256-GCM"
)

const (
	contentKeySize = 32
	gcmNonceSize   = 12
	gcmTagSize     = 16
	rsaKeyBits     = 4096

	// argon2id parameters for deriving the private key container key.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonSaltLen = 16
)

// Sentinel errors. Check with errors.Is.
var (
	ErrBadSecret       = errors.New("cryptox: wrong passphrase or corrupted key container")
	ErrInvalidKey      = errors.New("cryptox: invalid key material")
	ErrTagMismatch     = errors.New("cryptox: authentication tag mismatch")
	ErrUnknownVersion  = errors.New("cryptox: unknown container version")
	ErrAlreadyFinished = errors.New("cryptox: cipher already finalized")
)

// Wipe overwrites b with zeroes. Used to discard secret material on every
// exit path; a no-op for nil slices.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// PlainFileKey is an unwrapped per-file content key. Never persisted;
// callers must Wipe it as soon as the last wrap/unwrap is done.
type PlainFileKey struct {
	Key []byte
	IV  []byte
	Tag []byte // set by Encrypter.Finalize, required by Decrypter
}

// NewPlainFileKey generates a fresh AES-256 content key with a random
// 96-bit GCM nonce.
func NewPlainFileKey() (*PlainFileKey, error) {
	key := make([]byte, contentKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cryptox: generating content key: %w", err)
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cryptox: generating nonce: %w", err)
	}

	return &PlainFileKey{Key: key, IV: iv}, nil
}

// Wipe zeroes all key material.
func (k *PlainFileKey) Wipe() {
	if k == nil {
		return
	}

	Wipe(k.Key)
	Wipe(k.IV)
	Wipe(k.Tag)
}

// FileKey is the wire form of a content key: the AES key wrapped with
// RSA-OAEP (SHA-256) under a recipient's public key, plus the plaintext
// nonce and GCM tag.
type FileKey struct {
	Key     string `json:"key"`
	IV      string `json:"iv"`
	Tag     string `json:"tag,omitempty"`
	Version string `json:"version"`
}

// PublicKeyContainer is a PEM-encoded (PKIX) RSA public key with its
// format version.
type PublicKeyContainer struct {
	Version   string `json:"version"`
	PublicKey string `json:"publicKey"`
}

// PrivateKeyContainer is a passphrase-protected RSA private key.
// The PEM body holds base64(salt || nonce || AES-256-GCM(PKCS#8 DER))
// with the AES key derived from the passphrase via argon2id.
type PrivateKeyContainer struct {
	Version    string `json:"version"`
	PrivateKey string `json:"privateKey"`
}

// UserKeyPairContainer is the encrypted key pair as stored on the server.
type UserKeyPairContainer struct {
	PrivateKeyContainer PrivateKeyContainer `json:"privateKeyContainer"`
	PublicKeyContainer  PublicKeyContainer  `json:"publicKeyContainer"`
}

// PlainUserKeyPair is an unlocked key pair held in memory for the
// lifetime of a session.
type PlainUserKeyPair struct {
	Version    string
	PrivateKey *rsa.PrivateKey
	PublicKey  PublicKeyContainer
}

// GenerateKeyPair creates a new RSA-4096 user key pair.
func GenerateKeyPair() (*PlainUserKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("cryptox: generating RSA key pair: %w", err)
	}

	pub, err := encodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	return &PlainUserKeyPair{
		Version:    UserKeyPairVersionRSA4096,
		PrivateKey: priv,
		PublicKey:  pub,
	}, nil
}

func encodePublicKey(pub *rsa.PublicKey) (PublicKeyContainer, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return PublicKeyContainer{}, fmt.Errorf("cryptox: encoding public key: %w", err)
	}

	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	return PublicKeyContainer{
		Version:   UserKeyPairVersionRSA4096,
		PublicKey: string(block),
	}, nil
}

func decodePublicKey(container PublicKeyContainer) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(container.PublicKey))
	if block == nil {
		return nil, fmt.Errorf("cryptox: public key container holds no PEM data: %w", ErrInvalidKey)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptox: parsing public key: %w", err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptox: public key is not RSA: %w", ErrInvalidKey)
	}

	return pub, nil
}

// EncryptKeyPair seals the private key of kp under the given passphrase
// and returns the container suitable for storing on the server.
func EncryptKeyPair(kp *PlainUserKeyPair, passphrase string) (*UserKeyPairContainer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("cryptox: empty passphrase: %w", ErrInvalidKey)
	}

	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cryptox: encoding private key: %w", err)
	}
	defer Wipe(der)

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptox: generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, contentKeySize)
	defer Wipe(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptox: generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, der, nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	return &UserKeyPairContainer{
		PrivateKeyContainer: PrivateKeyContainer{
			Version:    kp.Version,
			PrivateKey: base64.StdEncoding.EncodeToString(blob),
		},
		PublicKeyContainer: kp.PublicKey,
	}, nil
}

// DecryptKeyPair unlocks a stored key pair container with the passphrase.
// A wrong passphrase surfaces as ErrBadSecret.
func DecryptKeyPair(container *UserKeyPairContainer, passphrase string) (*PlainUserKeyPair, error) {
	if container.PrivateKeyContainer.Version != UserKeyPairVersionRSA4096 {
		return nil, fmt.Errorf("cryptox: key pair version %q: %w",
			container.PrivateKeyContainer.Version, ErrUnknownVersion)
	}

	blob, err := base64.StdEncoding.DecodeString(container.PrivateKeyContainer.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decoding private key container: %w", err)
	}

	if len(blob) < argonSaltLen+gcmNonceSize+gcmTagSize {
		return nil, fmt.Errorf("cryptox: private key container too short: %w", ErrBadSecret)
	}

	salt := blob[:argonSaltLen]
	nonce := blob[argonSaltLen : argonSaltLen+gcmNonceSize]
	sealed := blob[argonSaltLen+gcmNonceSize:]

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, contentKeySize)
	defer Wipe(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	der, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrBadSecret
	}
	defer Wipe(der)

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("cryptox: parsing private key: %w", err)
	}

	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("cryptox: private key is not RSA: %w", ErrInvalidKey)
	}

	return &PlainUserKeyPair{
		Version:    container.PrivateKeyContainer.Version,
		PrivateKey: priv,
		PublicKey:  container.PublicKeyContainer,
	}, nil
}

// EncryptFileKey wraps a plain content key under the recipient's public
// key using RSA-OAEP with SHA-256.
func EncryptFileKey(plain *PlainFileKey, recipient PublicKeyContainer) (*FileKey, error) {
	pub, err := decodePublicKey(recipient)
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plain.Key, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: wrapping content key: %w", err)
	}

	fk := &FileKey{
		Key:     base64.StdEncoding.EncodeToString(wrapped),
		IV:      base64.StdEncoding.EncodeToString(plain.IV),
		Version: FileKeyVersionAES256GCM,
	}
	if len(plain.Tag) > 0 {
		fk.Tag = base64.StdEncoding.EncodeToString(plain.Tag)
	}

	return fk, nil
}

// DecryptFileKey unwraps a file key with the caller's private key.
func DecryptFileKey(fk *FileKey, kp *PlainUserKeyPair) (*PlainFileKey, error) {
	if fk.Version != FileKeyVersionAES256GCM {
		return nil, fmt.Errorf("cryptox: file key version %q: %w", fk.Version, ErrUnknownVersion)
	}

	wrapped, err := base64.StdEncoding.DecodeString(fk.Key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decoding wrapped key: %w", err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, kp.PrivateKey, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: unwrapping content key: %w", err)
	}

	iv, err := base64.StdEncoding.DecodeString(fk.IV)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decoding nonce: %w", err)
	}

	plain := &PlainFileKey{Key: key, IV: iv}

	if fk.Tag != "" {
		tag, err := base64.StdEncoding.DecodeString(fk.Tag)
		if err != nil {
			return nil, fmt.Errorf("cryptox: decoding tag: %w", err)
		}

		plain.Tag = tag
	}

	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: creating GCM: %w", err)
	}

	return aead, nil
}

// Encrypter encrypts a whole message with a fresh content key. Update
// accepts plaintext in arbitrary slices; Finalize seals once and returns
// ciphertext of exactly the accumulated plaintext length, with the GCM
// tag detached into the key. Content sizes are bounded by the service's
// maximum object size, so buffering the message is acceptable.
type Encrypter struct {
	key  *PlainFileKey
	buf  bytes.Buffer
	done bool
}

// NewEncrypter creates an Encrypter with a freshly generated content key.
// The size hint pre-allocates the internal buffer; pass 0 if unknown.
func NewEncrypter(sizeHint int64) (*Encrypter, error) {
	key, err := NewPlainFileKey()
	if err != nil {
		return nil, err
	}

	e := &Encrypter{key: key}
	if sizeHint > 0 {
		e.buf.Grow(int(sizeHint))
	}

	return e, nil
}

// Key returns the content key. The Tag field is only valid after Finalize.
func (e *Encrypter) Key() *PlainFileKey {
	return e.key
}

// Update appends plaintext to the pending message.
func (e *Encrypter) Update(p []byte) error {
	if e.done {
		return ErrAlreadyFinished
	}

	e.buf.Write(p)

	return nil
}

// Finalize seals the accumulated plaintext and returns the ciphertext.
func (e *Encrypter) Finalize() ([]byte, error) {
	if e.done {
		return nil, ErrAlreadyFinished
	}
	e.done = true

	aead, err := newGCM(e.key.Key)
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, e.key.IV, e.buf.Bytes(), nil)
	Wipe(e.buf.Bytes())

	ciphertext := sealed[:len(sealed)-gcmTagSize]
	e.key.Tag = sealed[len(sealed)-gcmTagSize:]

	return ciphertext, nil
}

// Decrypter collects ciphertext ranges and decrypts the whole message in
// Finalize, verifying the GCM tag carried in the content key.
type Decrypter struct {
	key  *PlainFileKey
	buf  bytes.Buffer
	done bool
}

// NewDecrypter creates a Decrypter for a message of the given total
// ciphertext length using an unwrapped content key.
func NewDecrypter(key *PlainFileKey, sizeHint int64) (*Decrypter, error) {
	if len(key.Key) != contentKeySize {
		return nil, fmt.Errorf("cryptox: content key has %d bytes: %w", len(key.Key), ErrInvalidKey)
	}

	if len(key.Tag) != gcmTagSize {
		return nil, fmt.Errorf("cryptox: missing or malformed tag: %w", ErrInvalidKey)
	}

	d := &Decrypter{key: key}
	if sizeHint > 0 {
		d.buf.Grow(int(sizeHint) + gcmTagSize)
	}

	return d, nil
}

// Update appends a ciphertext range.
func (d *Decrypter) Update(p []byte) error {
	if d.done {
		return ErrAlreadyFinished
	}

	d.buf.Write(p)

	return nil
}

// Finalize verifies the tag and returns the full plaintext.
func (d *Decrypter) Finalize() ([]byte, error) {
	if d.done {
		return nil, ErrAlreadyFinished
	}
	d.done = true

	aead, err := newGCM(d.key.Key)
	if err != nil {
		return nil, err
	}

	sealed := append(d.buf.Bytes(), d.key.Tag...)

	plaintext, err := aead.Open(nil, d.key.IV, sealed, nil)
	if err != nil {
		return nil, ErrTagMismatch
	}

	return plaintext, nil
}
