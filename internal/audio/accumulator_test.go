package audio

import (
	"bytes"
	"testing"
)

func chunk(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestAccumulator_FlushesAtThreshold(t *testing.T) {
	acc := NewAccumulator(1024)

	if out, ok := acc.Append(chunk(400, 1)); ok || out != nil {
		t.Fatalf("Expected no flush after first chunk, got %d bytes", len(out))
	}
	if out, ok := acc.Append(chunk(400, 2)); ok || out != nil {
		t.Fatalf("Expected no flush after second chunk, got %d bytes", len(out))
	}
	out, ok := acc.Append(chunk(400, 3))
	if !ok {
		t.Fatal("Expected flush after third chunk")
	}
	if len(out) != 1200 {
		t.Errorf("Expected 1200 flushed bytes, got %d", len(out))
	}
	if acc.Len() != 0 {
		t.Errorf("Expected accumulator to be empty after flush, got %d", acc.Len())
	}
}

func TestAccumulator_PreservesOrder(t *testing.T) {
	acc := NewAccumulator(10)

	var want []byte
	parts := [][]byte{{1, 2, 3}, {4}, {5, 6, 7, 8}, {9, 10, 11}}
	var got []byte
	for _, p := range parts {
		want = append(want, p...)
		if out, ok := acc.Append(p); ok {
			got = append(got, out...)
		}
	}
	got = append(got, acc.Flush()...)

	if !bytes.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestAccumulator_FlushResidual(t *testing.T) {
	acc := NewAccumulator(1024)
	acc.Append([]byte{7, 8, 9})

	out := acc.Flush()
	if !bytes.Equal(out, []byte{7, 8, 9}) {
		t.Errorf("Expected residual bytes, got %v", out)
	}
	if out := acc.Flush(); out != nil {
		t.Errorf("Expected nil on second flush, got %v", out)
	}
}

func TestAccumulator_IgnoresEmptyChunks(t *testing.T) {
	acc := NewAccumulator(1)
	if _, ok := acc.Append(nil); ok {
		t.Error("Expected empty chunk not to flush")
	}
	if acc.Len() != 0 {
		t.Errorf("Expected length 0, got %d", acc.Len())
	}
}

func TestAccumulator_DefaultThreshold(t *testing.T) {
	acc := NewAccumulator(0)
	if acc.Threshold() != DefaultAccumulatorThreshold {
		t.Errorf("Expected default threshold %d, got %d", DefaultAccumulatorThreshold, acc.Threshold())
	}
}

func TestAccumulator_Reset(t *testing.T) {
	acc := NewAccumulator(100)
	acc.Append(chunk(50, 1))
	acc.Reset()
	if acc.Len() != 0 {
		t.Errorf("Expected length 0 after reset, got %d", acc.Len())
	}
	if out := acc.Flush(); out != nil {
		t.Errorf("Expected nothing to flush after reset, got %d bytes", len(out))
	}
}
