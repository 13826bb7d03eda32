package console

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRecorderCapturesRawStream(t *testing.T) {
	r := NewRecorder(80, 24)
	defer r.Close()

	input := []byte("hello\r\n\x1b[1mbold\x1b[0m")
	if _, err := r.Write(input); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := r.Raw(); !bytes.Equal(got, input) {
		t.Errorf("Raw = %q, want %q", got, input)
	}
	if got, want := r.Plain(), "hello\r\nbold"; got != want {
		t.Errorf("Plain = %q, want %q", got, want)
	}
}

func TestRecorderRendersScreen(t *testing.T) {
	r := NewRecorder(20, 4)
	defer r.Close()

	if _, err := r.Write([]byte("hi\r\n\x1b[32mthere\x1b[0m")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := []string{"hi", "there", "", ""}
	if diff := cmp.Diff(want, r.Lines()); diff != "" {
		t.Errorf("Lines (-want +got):\n%s", diff)
	}
	if got, want := r.Screen(), "hi\nthere"; got != want {
		t.Errorf("Screen = %q, want %q", got, want)
	}
}

func TestRecorderHonorsCarriageReturn(t *testing.T) {
	r := NewRecorder(20, 2)
	defer r.Close()

	if _, err := r.Write([]byte("abc\rX")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got, want := r.Lines()[0], "Xbc"; got != want {
		t.Errorf("line 0 = %q, want %q", got, want)
	}
}

func TestRecorderResize(t *testing.T) {
	r := NewRecorder(80, 24)
	defer r.Close()

	r.Resize(10, 3)
	if got := len(r.Lines()); got != 3 {
		t.Errorf("rows after resize = %d, want 3", got)
	}

	// Degenerate geometries are ignored.
	r.Resize(0, -1)
	if got := len(r.Lines()); got != 3 {
		t.Errorf("rows after degenerate resize = %d, want 3", got)
	}
}

func TestRecorderDefaultGeometry(t *testing.T) {
	r := NewRecorder(0, 0)
	defer r.Close()

	if got := len(r.Lines()); got != 24 {
		t.Errorf("default rows = %d, want 24", got)
	}
}

func TestInteractiveRejectsNonTerminal(t *testing.T) {
	rd, wr, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer rd.Close()
	defer wr.Close()

	if _, err := NewInteractive(rd, wr); !errors.Is(err, ErrNotATerminal) {
		t.Errorf("NewInteractive error = %v, want %v", err, ErrNotATerminal)
	}
}
