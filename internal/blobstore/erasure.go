package blobstore

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// erasureCoder stripes an assembled object into data+parity shards so a
// bounded number of shard losses does not lose the object. It is a
// durability enhancement layered on top of the canonical assembled file,
// not a replacement for it: Assemble always writes the plain final object
// first, then strips it into shards when erasure coding is enabled.
type erasureCoder struct {
	dataShards   int
	parityShards int
	encoder      reedsolomon.Encoder
}

func newErasureCoder(dataShards, parityShards int) (*erasureCoder, error) {
	encoder, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating erasure encoder: %w", err)
	}
	return &erasureCoder{dataShards: dataShards, parityShards: parityShards, encoder: encoder}, nil
}

func (ec *erasureCoder) encode(data []byte) ([][]byte, error) {
	shardSize := (len(data) + ec.dataShards - 1) / ec.dataShards
	if shardSize == 0 {
		shardSize = 1
	}

	shards := make([][]byte, ec.dataShards+ec.parityShards)
	for i := 0; i < ec.dataShards; i++ {
		start := i * shardSize
		end := start + shardSize
		switch {
		case start >= len(data):
			shards[i] = make([]byte, shardSize)
		case end > len(data):
			shards[i] = make([]byte, shardSize)
			copy(shards[i], data[start:])
		default:
			shards[i] = append([]byte(nil), data[start:end]...)
		}
	}
	for i := ec.dataShards; i < ec.dataShards+ec.parityShards; i++ {
		shards[i] = make([]byte, shardSize)
	}

	if err := ec.encoder.Encode(shards); err != nil {
		return nil, fmt.Errorf("blobstore: encoding shards: %w", err)
	}
	return shards, nil
}

func (ec *erasureCoder) decode(shards [][]byte, originalSize int) ([]byte, error) {
	if len(shards) != ec.dataShards+ec.parityShards {
		return nil, fmt.Errorf("blobstore: expected %d shards, got %d", ec.dataShards+ec.parityShards, len(shards))
	}

	if err := ec.encoder.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("blobstore: reconstructing shards: %w", err)
	}

	ok, err := ec.encoder.Verify(shards)
	if err != nil {
		return nil, fmt.Errorf("blobstore: verifying shards: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("blobstore: shard verification failed after reconstruction")
	}

	var buf bytes.Buffer
	for i := 0; i < ec.dataShards; i++ {
		if shards[i] != nil {
			buf.Write(shards[i])
		}
	}

	data := buf.Bytes()
	if len(data) > originalSize {
		data = data[:originalSize]
	}
	return data, nil
}
