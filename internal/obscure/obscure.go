package obscure

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// noExpiry disables the token age check. Documents stay obscured for months.
const noExpiry time.Duration = -1

var (
	ErrMissingKey   = errors.New("cipher key not configured")
	ErrInvalidToken = errors.New("file is not a valid token for this key")
)

// Obscurer encrypts whole files at rest with a single Fernet key. The plaintext
// is base64 encoded before encryption so the on-disk format matches files
// produced by the Python cryptography package.
type Obscurer struct {
	key *fernet.Key
}

func New(encodedKey string) (*Obscurer, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, ErrMissingKey
	}
	k, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode cipher key: %w", err)
	}
	return &Obscurer{key: k}, nil
}

// GenerateKey returns a fresh URL-safe base64 encoded key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", err
	}
	return k.Encode(), nil
}

func (o *Obscurer) Seal(plaintext []byte) ([]byte, error) {
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(plaintext)))
	base64.StdEncoding.Encode(encoded, plaintext)
	tok, err := fernet.EncryptAndSign(encoded, o.key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return tok, nil
}

func (o *Obscurer) Open(token []byte) ([]byte, error) {
	encoded := fernet.VerifyAndDecrypt(bytes.TrimSpace(token), noExpiry, []*fernet.Key{o.key})
	if encoded == nil {
		return nil, ErrInvalidToken
	}
	plain := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(plain, encoded)
	if err != nil {
		return nil, fmt.Errorf("decode plaintext: %w", err)
	}
	return plain[:n], nil
}

// Obscure replaces the file at path with its encrypted form.
func (o *Obscurer) Obscure(path string) error {
	plain, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tok, err := o.Seal(plain)
	if err != nil {
		return fmt.Errorf("obscure %s: %w", path, err)
	}
	return replaceFile(path, tok)
}

// Reveal replaces the file at path with its decrypted form.
func (o *Obscurer) Reveal(path string) error {
	tok, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	plain, err := o.Open(tok)
	if err != nil {
		return fmt.Errorf("reveal %s: %w", path, err)
	}
	return replaceFile(path, plain)
}

// RevealTo writes the plaintext of src into a new file at dst. src is not
// modified.
func (o *Obscurer) RevealTo(src, dst string) error {
	tok, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	plain, err := o.Open(tok)
	if err != nil {
		return fmt.Errorf("reveal %s: %w", src, err)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(plain); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}
	return f.Close()
}

// Wipe overwrites the file with zeros before removing it. A failed overwrite
// is reported even though the file is still removed.
func Wipe(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var overwriteErr error
	if f, err := os.OpenFile(path, os.O_WRONLY, 0); err != nil {
		overwriteErr = err
	} else {
		if _, err := f.Write(make([]byte, info.Size())); err != nil {
			overwriteErr = err
		} else if err := f.Sync(); err != nil {
			overwriteErr = err
		}
		if err := f.Close(); err != nil && overwriteErr == nil {
			overwriteErr = err
		}
	}
	if overwriteErr != nil {
		overwriteErr = fmt.Errorf("wipe %s: %w", path, overwriteErr)
	}
	// The file is removed even when the overwrite failed.
	return errors.Join(overwriteErr, os.Remove(path))
}

func replaceFile(path string, blob []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
