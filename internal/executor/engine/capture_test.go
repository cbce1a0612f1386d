package engine

import (
	"bytes"
	"testing"
)

func TestCappedBufferKeepsPrefix(t *testing.T) {
	buf := newCappedBuffer(5)
	for _, chunk := range []string{"ab", "cd", "efgh", "ij"} {
		n, err := buf.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("write %q = %d, %v", chunk, n, err)
		}
	}
	if got := string(buf.Bytes()); got != "abcde" {
		t.Fatalf("bytes = %q, want %q", got, "abcde")
	}
	if !buf.Truncated() {
		t.Fatalf("expected truncated")
	}
}

func TestCappedBufferExactFit(t *testing.T) {
	buf := newCappedBuffer(4)
	_, _ = buf.Write([]byte("abcd"))
	if buf.Truncated() {
		t.Fatalf("exact fit must not be truncated")
	}
	_, _ = buf.Write(nil)
	if buf.Truncated() {
		t.Fatalf("empty write must not mark truncation")
	}
	_, _ = buf.Write([]byte("e"))
	if !buf.Truncated() || !bytes.Equal(buf.Bytes(), []byte("abcd")) {
		t.Fatalf("unexpected state: %q truncated=%v", buf.Bytes(), buf.Truncated())
	}
}
