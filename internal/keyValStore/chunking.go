package keyValStore

import (
	"bytes"
	"crypto/sha512"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	chunker "github.com/ipfs/boxo/chunker"
	"github.com/ulikunitz/xz"
)

// Values at or above this size are buzhash-chunked into content-addressed,
// compressed chunks referenced by a manifest.
const chunkThreshold = 1 << 20

const (
	tagInline   = 0x00
	tagManifest = 0x01
)

var chunkKeyPrefix = []byte("chunk:")

type chunkData struct {
	Hash [64]byte
	Data []byte
}

func chunkBytes(data []byte) ([]chunkData, error) {
	bz := chunker.NewBuzhash(bytes.NewReader(data))

	var chunks []chunkData
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading chunk: %w", err)
		}

		chunks = append(chunks, chunkData{
			Hash: sha512.Sum512(chunk),
			Data: chunk,
		})
	}

	return chunks, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("error creating xz writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("error compressing chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("error finishing xz stream: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error creating xz reader: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error decompressing chunk: %w", err)
	}
	return out, nil
}

func chunkKey(hash [64]byte) []byte {
	return append(append([]byte{}, chunkKeyPrefix...), hash[:]...)
}

// writeChunked splits content into chunks, stores the ones not yet present
// and writes a manifest of chunk hashes under key.
func (k *KeyValStore) writeChunked(key []byte, content []byte) error {
	chunks, err := chunkBytes(content)
	if err != nil {
		return fmt.Errorf("error chunking value: %w", err)
	}

	keys := make([][]byte, len(chunks))
	for i, c := range chunks {
		keys[i] = chunkKey(c.Hash)
	}

	existsMap, err := k.BatchCheckKeyExistence(keys)
	if err != nil {
		return fmt.Errorf("error checking chunk existence: %w", err)
	}

	wb := k.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	written := 0
	for i, c := range chunks {
		if existsMap[string(keys[i])] {
			continue
		}
		compressed, err := compress(c.Data)
		if err != nil {
			return err
		}
		if err := wb.Set(keys[i], compressed); err != nil {
			return fmt.Errorf("error writing chunk: %w", err)
		}
		written++
	}

	manifest := make([]byte, 0, 1+len(chunks)*64)
	manifest = append(manifest, tagManifest)
	for _, c := range chunks {
		manifest = append(manifest, c.Hash[:]...)
	}
	if err := wb.Set(append([]byte{}, key...), manifest); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("error flushing chunk batch: %w", err)
	}

	k.log.WithField("chunks", len(chunks)).WithField("new", written).
		Debug("stored chunked value")
	return nil
}

// expandValue turns a stored value back into the bytes the caller wrote,
// resolving manifests into their chunk contents.
func (k *KeyValStore) expandValue(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("stored value has no tag byte")
	}

	switch value[0] {
	case tagInline:
		if len(value) == 1 {
			return nil, nil
		}
		return value[1:], nil
	case tagManifest:
		return k.readManifest(value[1:])
	default:
		return nil, fmt.Errorf("unknown value tag %d", value[0])
	}
}

func (k *KeyValStore) readManifest(manifest []byte) ([]byte, error) {
	if len(manifest)%64 != 0 {
		return nil, fmt.Errorf("manifest length %d is not a multiple of the hash size", len(manifest))
	}

	var content []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		for off := 0; off < len(manifest); off += 64 {
			var hash [64]byte
			copy(hash[:], manifest[off:off+64])

			item, err := txn.Get(chunkKey(hash))
			if err != nil {
				return fmt.Errorf("error reading chunk %d: %w", off/64, err)
			}
			compressed, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			chunk, err := decompress(compressed)
			if err != nil {
				return err
			}
			content = append(content, chunk...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error resolving manifest: %w", err)
	}
	return content, nil
}
