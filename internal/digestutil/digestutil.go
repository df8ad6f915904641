// Package digestutil wraps github.com/opencontainers/go-digest with
// the streaming/incremental helpers the storage and proxy layers need,
// grounded in the digester usage inside the teacher's blobwriter.go.
package digestutil

import (
	"fmt"
	"hash"
	"io"
	"regexp"

	"github.com/opencontainers/go-digest"
)

// chunkSize is the buffer used when hashing a reader in one shot.
// Small enough to bound memory use on large blobs, large enough to
// avoid excessive syscall overhead.
const chunkSize = 32 * 1024

// validDigest matches "<algo>:<hex>" with at least 32 hex characters,
// per the OCI digest grammar.
var validDigest = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(?:[-_+.][A-Za-z][A-Za-z0-9]*)*:[0-9a-f]{32,}$`)

// ValidFormat reports whether s is a syntactically valid digest
// string. It does not verify that any content hashes to it.
func ValidFormat(s string) bool {
	return validDigest.MatchString(s)
}

// SHA256 streams r and returns its "sha256:<hex>" digest.
func SHA256(r io.Reader) (digest.Digest, error) {
	d := digest.SHA256.Digester()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(d.Hash(), r, buf); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// Incremental wraps a running hash.Hash so that callers (chunked
// uploads) can feed bytes as they arrive instead of rehashing the
// whole blob at finalisation time.
type Incremental struct {
	hash hash.Hash
}

// NewIncremental starts a fresh incremental SHA-256 digester.
func NewIncremental() *Incremental {
	return &Incremental{hash: digest.SHA256.Hash()}
}

// Write feeds p into the running digest. It never returns an error;
// the signature matches io.Writer so an Incremental can be used as
// the sink of an io.MultiWriter or io.TeeReader.
func (i *Incremental) Write(p []byte) (int, error) {
	return i.hash.Write(p)
}

// Digest returns the digest of all bytes written so far.
func (i *Incremental) Digest() digest.Digest {
	return digest.NewDigest(digest.SHA256, i.hash)
}

// Verify compares got against want, returning a descriptive error on
// mismatch. Both must already be validated digest strings.
func Verify(want, got digest.Digest) error {
	if want != got {
		return fmt.Errorf("digest mismatch: expected %s, got %s", want, got)
	}
	return nil
}
