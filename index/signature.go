package index

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/zsiec/ffindex/media"
)

// signatureSpan is how much of the head and the tail of a file is hashed.
const signatureSpan = 1 << 20

// Signature identifies the file an index was built from: its size and an
// MD5 digest of its first and last MiB.
type Signature struct {
	Size   int64
	Digest [md5.Size]byte
}

// Equal reports whether two signatures describe the same file.
func (s Signature) Equal(o Signature) bool {
	return s.Size == o.Size && bytes.Equal(s.Digest[:], o.Digest[:])
}

// ComputeSignature reads the head and tail of path.
func ComputeSignature(path string) (Signature, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Signature{}, media.Wrap(media.KindNoSuchFile, "signature", err, "open %s", path)
		}
		return Signature{}, media.Wrap(media.KindReadError, "signature", err, "open %s", path)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Signature{}, media.Wrap(media.KindReadError, "signature", err, "stat %s", path)
	}
	return signatureOf(f, st.Size())
}

func signatureOf(r io.ReaderAt, size int64) (Signature, error) {
	h := md5.New()
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], uint64(size))
	h.Write(sz[:])

	head := min(size, signatureSpan)
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, head)); err != nil {
		return Signature{}, media.Wrap(media.KindReadError, "signature", err, "hash head")
	}
	if size > signatureSpan {
		tailStart := max(size-signatureSpan, head)
		if _, err := io.Copy(h, io.NewSectionReader(r, tailStart, size-tailStart)); err != nil {
			return Signature{}, media.Wrap(media.KindReadError, "signature", err, "hash tail")
		}
	}

	sig := Signature{Size: size}
	copy(sig.Digest[:], h.Sum(nil))
	return sig, nil
}

// BelongsToFile reports whether idx was built from the file at path as it
// is now.
func BelongsToFile(idx *Index, path string) (bool, error) {
	sig, err := ComputeSignature(path)
	if err != nil {
		return false, err
	}
	return idx.Signature.Equal(sig), nil
}
