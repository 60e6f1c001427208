package ring_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ferralune/kephra/pkg/audio/ring"
)

func TestNew_RejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, -1} {
		if _, err := ring.New(size); err == nil {
			t.Errorf("New(%d) expected error", size)
		}
	}
}

func TestReader_ReadsWhatWasWritten(t *testing.T) {
	t.Parallel()

	buf, err := ring.New(64)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	r := buf.NewReader()

	want := []byte("the quick brown fox")
	if _, err := buf.Write(want); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got := make([]byte, len(want))
	n, err := r.Read(got)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if n != len(want) || !bytes.Equal(got[:n], want) {
		t.Errorf("Read() = %q (%d bytes), want %q", got[:n], n, want)
	}

	// Nothing further buffered.
	if n, _ := r.Read(got); n != 0 {
		t.Errorf("second Read() = %d bytes, want 0", n)
	}
}

func TestReader_PartialReadsAdvanceCursor(t *testing.T) {
	t.Parallel()

	buf, _ := ring.New(32)
	r := buf.NewReader()
	_, _ = buf.Write([]byte("abcdef"))

	first := make([]byte, 4)
	if n, _ := r.Read(first); n != 4 || string(first) != "abcd" {
		t.Fatalf("first Read() = %q (%d), want \"abcd\"", first[:n], n)
	}
	rest := make([]byte, 4)
	if n, _ := r.Read(rest); n != 2 || string(rest[:n]) != "ef" {
		t.Fatalf("second Read() = %q (%d), want \"ef\"", rest[:n], n)
	}
}

func TestReader_LappedSnapsToOldestRetained(t *testing.T) {
	t.Parallel()

	buf, _ := ring.New(8)
	r := buf.NewReader()

	// 16 bytes through an 8-byte ring: the first 8 are gone.
	_, _ = buf.Write([]byte("0123456789abcdef"))

	got := make([]byte, 16)
	n, err := r.Read(got)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(got[:n]) != "89abcdef" {
		t.Errorf("Read() after lap = %q, want \"89abcdef\"", got[:n])
	}
}

func TestReader_ResetDiscardsUnread(t *testing.T) {
	t.Parallel()

	buf, _ := ring.New(32)
	r := buf.NewReader()
	_, _ = buf.Write([]byte("stale"))
	r.Reset()

	if avail := r.Available(); avail != 0 {
		t.Errorf("Available() after Reset = %d, want 0", avail)
	}

	_, _ = buf.Write([]byte("fresh"))
	got := make([]byte, 8)
	n, _ := r.Read(got)
	if string(got[:n]) != "fresh" {
		t.Errorf("Read() after Reset = %q, want \"fresh\"", got[:n])
	}
}

func TestReaders_IndependentCursors(t *testing.T) {
	t.Parallel()

	buf, _ := ring.New(32)
	client := buf.NewReader()
	verifier := buf.NewReader()
	_, _ = buf.Write([]byte("keyword"))

	got := make([]byte, 16)
	if n, _ := client.Read(got); string(got[:n]) != "keyword" {
		t.Fatalf("client Read() = %q", got[:n])
	}
	// The verifier cursor is unaffected by the client's progress.
	if n, _ := verifier.Read(got); string(got[:n]) != "keyword" {
		t.Errorf("verifier Read() = %q, want \"keyword\"", got[:n])
	}
}

func TestMarkKeyword_IndicesVisibleToReaders(t *testing.T) {
	t.Parallel()

	buf, _ := ring.New(64)
	r := buf.NewReader()
	_, _ = buf.Write(make([]byte, 40))
	buf.MarkKeyword(24)

	start, end := r.KeywordIndices()
	if start != 16 || end != 40 {
		t.Errorf("KeywordIndices() = (%d, %d), want (16, 40)", start, end)
	}
}

func TestMarkKeyword_LongerThanStreamClampsToZero(t *testing.T) {
	t.Parallel()

	buf, _ := ring.New(64)
	r := buf.NewReader()
	_, _ = buf.Write(make([]byte, 10))
	buf.MarkKeyword(100)

	start, end := r.KeywordIndices()
	if start != 0 || end != 10 {
		t.Errorf("KeywordIndices() = (%d, %d), want (0, 10)", start, end)
	}
}

func TestClose_FailsFurtherIO(t *testing.T) {
	t.Parallel()

	buf, _ := ring.New(16)
	r := buf.NewReader()
	buf.Close()

	if _, err := buf.Write([]byte("x")); !errors.Is(err, ring.ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, ring.ErrClosed) {
		t.Errorf("Read() after Close error = %v, want ErrClosed", err)
	}
}
