package checkpoint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/fileutil"
)

const blobExt = ".zst"

// BlobPool is a content-addressed store of zstd-compressed file backups.
// Blobs are keyed by the BLAKE3 digest of the uncompressed bytes, so
// identical backups share one file.
type BlobPool struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewBlobPool creates a pool rooted at dir. The directory is created lazily.
func NewBlobPool(dir string) (*BlobPool, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &BlobPool{dir: dir, encoder: encoder, decoder: decoder}, nil
}

// Dir returns the pool directory.
func (p *BlobPool) Dir() string {
	return p.dir
}

// Ref returns the content address of data.
func Ref(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (p *BlobPool) path(ref string) string {
	return filepath.Join(p.dir, ref[:2], ref+blobExt)
}

func validRef(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}

// Put stores data and returns its reference. Existing blobs are reused.
func (p *BlobPool) Put(data []byte) (string, error) {
	ref := Ref(data)
	target := p.path(ref)
	if _, err := os.Stat(target); err == nil {
		return ref, nil
	}

	compressed := p.encoder.EncodeAll(data, nil)
	if err := fileutil.AtomicWrite(target, compressed, 0640); err != nil {
		return "", fmt.Errorf("write blob %s: %w", ref, err)
	}
	L_trace("checkpoint: blob stored", "ref", ref, "size", len(data), "compressed", len(compressed))
	return ref, nil
}

// Get returns the uncompressed bytes of ref and verifies the digest.
func (p *BlobPool) Get(ref string) ([]byte, error) {
	if !validRef(ref) {
		return nil, fmt.Errorf("invalid blob ref %q", ref)
	}
	compressed, err := os.ReadFile(p.path(ref))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	data, err := p.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", ref, err)
	}
	if Ref(data) != ref {
		return nil, fmt.Errorf("blob %s is corrupt", ref)
	}
	return data, nil
}

// Sweep deletes every blob whose ref is not in keep. Returns the number removed.
func (p *BlobPool) Sweep(keep map[string]bool) (int, error) {
	removed := 0
	err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), blobExt) {
			return nil
		}
		ref := strings.TrimSuffix(d.Name(), blobExt)
		if keep[ref] {
			return nil
		}
		if err := os.Remove(path); err != nil {
			L_warn("checkpoint: failed to remove blob", "ref", ref, "error", err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep blobs: %w", err)
	}
	return removed, nil
}

// Close releases the codec resources.
func (p *BlobPool) Close() {
	p.encoder.Close()
	p.decoder.Close()
}
