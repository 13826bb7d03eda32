package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// chunkReader hands back one chunk per Read call, so tests can split
// byte sequences across reads.
type chunkReader struct {
	chunks []string
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func TestEscapeReader(t *testing.T) {
	tests := []struct {
		name   string
		input  []string
		want   string
		cancel bool
	}{
		{name: "plain", input: []string{"hello"}, want: "hello"},
		{name: "quit", input: []string{"ab\x01x"}, want: "ab", cancel: true},
		{name: "doubled prefix", input: []string{"\x01\x01c"}, want: "\x01c"},
		{name: "unknown escape", input: []string{"\x01q"}, want: "q"},
		{name: "split across reads", input: []string{"a\x01", "x"}, want: "a", cancel: true},
		{name: "prefix at end", input: []string{"ab\x01"}, want: "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canceled := false
			er := &escapeReader{
				r:      &chunkReader{chunks: tt.input},
				cancel: func() { canceled = true },
			}

			var got bytes.Buffer
			if _, err := io.Copy(&got, er); err != nil {
				t.Fatalf("copy: %v", err)
			}

			if got.String() != tt.want {
				t.Errorf("output: expected %q, got %q", tt.want, got.String())
			}
			if canceled != tt.cancel {
				t.Errorf("canceled: expected %v, got %v", tt.cancel, canceled)
			}
		})
	}
}

func TestLoadMachineConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	data := "payload: Image\nbootargs: console=ttyS0\nmemoryMB: 64\nheadless: true\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	mc, err := loadMachineConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := machineConfig{
		Payload:  filepath.Join(dir, "Image"),
		Bootargs: "console=ttyS0",
		MemoryMB: 64,
		Headless: true,
	}
	if diff := cmp.Diff(want, mc); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMachineConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte("payload: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := loadMachineConfig(path); err == nil {
		t.Fatal("expected a parse error")
	}
}
