// Package vault implements the File Vault (component C3): content-addressed
// blob storage with atomic writes, optional at-rest encryption, and orphan
// enumeration. Object-key derivation is grounded on the teacher's
// blob.Manager/objectKeyFor pattern, generalized from an S3-style tenant
// Store to a local directory tree plus project scoping.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"filippo.io/age"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

var (
	ErrInvalid     = errors.New("vault: invalid argument")
	ErrTooLarge    = errors.New("vault: blob too large")
	ErrNotFound    = errors.New("vault: blob not found")
	ErrDeleteFailed = errors.New("vault: delete failed")
)

// BlobRef is a stable, opaque, content-derived path: <kind>/<project>/sha256/<aa>/<bb>/<sha>.bin.
type BlobRef string

// Kind discriminates the subtree a blob lives under; it carries no
// semantics beyond namespacing (documents, audio, images, derived).
type Kind string

const (
	KindDocumentOriginal Kind = "documents"
	KindAudio            Kind = "audio"
	KindJournalistImage  Kind = "images"
	KindDerived          Kind = "derived"
)

// Options configures a Vault rooted at Dir. AgeRecipient, when set, causes
// every Put to encrypt the plaintext before the atomic rename; the content
// hash used to derive BlobRef is always taken pre-encryption, so dedup and
// the fingerprinting invariant in KnoxInputPack are unaffected by whether
// encryption is on.
type Options struct {
	Dir          string
	MaxBytes     int64
	AgeRecipient string // age1... public key; empty disables at-rest encryption
}

type Vault struct {
	dir        string
	maxBytes   int64
	recipient  *age.X25519Recipient
}

func New(opts Options) (*Vault, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: dir is required", ErrInvalid)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: create root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	v := &Vault{dir: abs, maxBytes: opts.MaxBytes}
	if v.maxBytes <= 0 {
		v.maxBytes = 64 * 1024 * 1024
	}
	if strings.TrimSpace(opts.AgeRecipient) != "" {
		rec, err := age.ParseX25519Recipient(opts.AgeRecipient)
		if err != nil {
			return nil, fmt.Errorf("vault: parse age recipient: %w", err)
		}
		v.recipient = rec
	}
	return v, nil
}

// Ping reports whether the vault root is still present and a directory,
// for use by the /healthz component check.
func (v *Vault) Ping() error {
	info, err := os.Stat(v.dir)
	if err != nil {
		return fmt.Errorf("vault: root unreachable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault: root %q is not a directory", v.dir)
	}
	return nil
}

func objectKeyFor(kind Kind, project canonical.ProjectID, shaHex string) BlobRef {
	a, b := "00", "00"
	if len(shaHex) >= 2 {
		a = shaHex[:2]
	}
	if len(shaHex) >= 4 {
		b = shaHex[2:4]
	}
	return BlobRef(fmt.Sprintf("%s/%s/sha256/%s/%s/%s.bin", kind, project, a, b, shaHex))
}

// Put stores data content-addressed under kind/project, returning a stable
// BlobRef. Writes are atomic: data lands in a temp file in the same
// directory, then is renamed into place, so a crash mid-write never leaves
// a partial blob visible under its final name.
func (v *Vault) Put(ctx context.Context, project canonical.ProjectID, kind Kind, data []byte) (BlobRef, string, error) {
	if data == nil {
		data = []byte{}
	}
	if int64(len(data)) > v.maxBytes {
		return "", "", fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), v.maxBytes)
	}
	sum := sha256.Sum256(data)
	shaHex := hex.EncodeToString(sum[:])
	ref := objectKeyFor(kind, project, shaHex)

	abs := v.absPath(ref)
	if _, err := os.Stat(abs); err == nil {
		return ref, shaHex, nil // content-addressed: identical bytes already stored
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return "", "", fmt.Errorf("vault: mkdir: %w", err)
	}

	payload := data
	if v.recipient != nil {
		enc, err := v.encrypt(data)
		if err != nil {
			return "", "", fmt.Errorf("vault: encrypt: %w", err)
		}
		payload = enc
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("vault: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", fmt.Errorf("vault: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", fmt.Errorf("vault: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("vault: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("vault: rename: %w", err)
	}
	return ref, shaHex, nil
}

// Get returns the plaintext for ref, decrypting if the vault is configured
// with an identity (Get requires the identity, unlike Put which only needs
// the recipient). Returns ErrNotFound if the blob is absent.
func (v *Vault) Get(ctx context.Context, ref BlobRef, identity age.Identity) ([]byte, error) {
	abs := v.absPath(ref)
	b, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vault: read: %w", err)
	}
	if identity == nil {
		return b, nil
	}
	return v.decrypt(b, identity)
}

// Delete unlinks ref. A missing blob is not an error (best-effort unlink,
// per the File Vault contract); a mid-directory failure is surfaced so the
// caller (Secure Delete) can abort the whole transaction.
func (v *Vault) Delete(ctx context.Context, ref BlobRef) error {
	abs := v.absPath(ref)
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// ListByProject enumerates every BlobRef physically present under any
// kind's project subtree, used by Secure Delete and by list_orphans to
// diff against what the Entity Store still references.
func (v *Vault) ListByProject(project canonical.ProjectID) ([]BlobRef, error) {
	var out []BlobRef
	for _, kind := range []Kind{KindDocumentOriginal, KindAudio, KindJournalistImage, KindDerived} {
		root := filepath.Join(v.dir, string(kind), string(project))
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, rerr := filepath.Rel(v.dir, path)
			if rerr != nil {
				return rerr
			}
			out = append(out, BlobRef(filepath.ToSlash(rel)))
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (v *Vault) absPath(ref BlobRef) string {
	return filepath.Join(v.dir, filepath.FromSlash(string(ref)))
}

func (v *Vault) encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, v.recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Vault) decrypt(ciphertext []byte, identity age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
