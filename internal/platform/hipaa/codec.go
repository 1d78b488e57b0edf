package hipaa

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ehr/medstore/internal/domain/clinical"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrIntegrityCheckFailed = errors.New("integrity check failed")
	ErrMalformedDocument    = errors.New("malformed document")
)

// Container is the on-disk form of one encrypted bundle. The field set and
// encodings are fixed; existing files depend on them.
type Container struct {
	IV       string    `json:"iv"`
	Data     string    `json:"data"`
	Hash     string    `json:"hash"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// DeriveKey hashes the UTF-8 passphrase once with SHA-256. There is no salt,
// so equal passphrases produce equal keys across files.
func DeriveKey(passphrase string) [KeySize]byte {
	return sha256.Sum256([]byte(passphrase))
}

// Codec converts bundles to and from encrypted containers.
type Codec struct {
	// Now stamps Container.Modified. Defaults to time.Now.
	Now func() time.Time
	// Rand supplies nonces. Defaults to crypto/rand.
	Rand io.Reader
}

func NewCodec() *Codec {
	return &Codec{Now: time.Now}
}

func (c *Codec) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

func encryptorFor(passphrase string) (*PHIEncryptor, error) {
	key := DeriveKey(passphrase)
	return NewPHIEncryptor(key[:])
}

// marshalBundle produces the plaintext that gets encrypted and digested.
func marshalBundle(b *clinical.Bundle) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Encode serializes the bundle, including its version history, and seals it
// under a key derived from passphrase with a fresh nonce.
func (c *Codec) Encode(b *clinical.Bundle, passphrase string) (*Container, error) {
	if b == nil {
		return nil, errors.New("phi encode: nil bundle")
	}
	plaintext, err := marshalBundle(b)
	if err != nil {
		return nil, fmt.Errorf("phi encode: serialize bundle: %w", err)
	}
	digest := sha256.Sum256(plaintext)

	enc, err := encryptorFor(passphrase)
	if err != nil {
		return nil, err
	}
	nonce, err := enc.NewNonce(c.Rand)
	if err != nil {
		return nil, err
	}
	ciphertext, err := enc.Seal(nonce, plaintext)
	if err != nil {
		return nil, err
	}

	modified := c.now()
	created := modified
	if len(b.VersionHistory) > 0 {
		created = b.VersionHistory[0].Timestamp.UTC()
	}

	return &Container{
		IV:       base64.StdEncoding.EncodeToString(nonce),
		Data:     base64.StdEncoding.EncodeToString(ciphertext),
		Hash:     hex.EncodeToString(digest[:]),
		Created:  created,
		Modified: modified,
	}, nil
}

// Decode opens the container, checks the plaintext digest, and parses the
// bundle. The container is never modified.
func (c *Codec) Decode(ct *Container, passphrase string) (*clinical.Bundle, error) {
	if ct == nil {
		return nil, fmt.Errorf("%w: nil container", ErrMalformedDocument)
	}
	nonce, err := base64.StdEncoding.DecodeString(ct.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: decode iv: %v", ErrDecryptionFailed, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ct.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode data: %v", ErrDecryptionFailed, err)
	}

	enc, err := encryptorFor(passphrase)
	if err != nil {
		return nil, err
	}
	plaintext, err := enc.Open(nonce, ciphertext)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(plaintext)
	if hex.EncodeToString(digest[:]) != ct.Hash {
		return nil, fmt.Errorf("%w: plaintext digest does not match container hash", ErrIntegrityCheckFailed)
	}

	var b clinical.Bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return &b, nil
}

// WriteContainer writes ct to path atomically: the JSON is written to a
// temporary file in the same directory, synced, then renamed over path.
func WriteContainer(path string, ct *Container) error {
	data, err := json.MarshalIndent(ct, "", "  ")
	if err != nil {
		return fmt.Errorf("write container: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write container: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write container: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write container: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write container: close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("write container: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("write container: rename: %w", err)
	}
	committed = true
	return nil
}

// ReadContainer loads a container file. Unparseable JSON or missing cipher
// fields yield ErrMalformedDocument.
func ReadContainer(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read container: %w", err)
	}
	var ct Container
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedDocument, filepath.Base(path), err)
	}
	if ct.IV == "" || ct.Data == "" || ct.Hash == "" {
		return nil, fmt.Errorf("%w: %s: missing iv, data or hash", ErrMalformedDocument, filepath.Base(path))
	}
	return &ct, nil
}
