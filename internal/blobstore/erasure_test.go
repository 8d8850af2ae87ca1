package blobstore

import (
	"bytes"
	"testing"
)

func TestErasureCoderEncodeDecodeRoundTrips(t *testing.T) {
	ec, err := newErasureCoder(4, 2)
	if err != nil {
		t.Fatalf("newErasureCoder: %v", err)
	}

	data := bytes.Repeat([]byte("durable-bytes-"), 500)
	shards, err := ec.encode(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(shards) != 6 {
		t.Fatalf("expected 6 shards, got %d", len(shards))
	}

	decoded, err := ec.decode(shards, len(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("decoded data mismatch")
	}
}

func TestErasureCoderSurvivesShardLoss(t *testing.T) {
	ec, err := newErasureCoder(4, 2)
	if err != nil {
		t.Fatalf("newErasureCoder: %v", err)
	}

	data := bytes.Repeat([]byte("a"), 1000)
	shards, err := ec.encode(data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Lose up to parityShards (2) shards; reconstruction must still succeed.
	shards[1] = nil
	shards[4] = nil

	decoded, err := ec.decode(shards, len(data))
	if err != nil {
		t.Fatalf("decode after loss: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("decoded data mismatch after reconstruction")
	}
}
