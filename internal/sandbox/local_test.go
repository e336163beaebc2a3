package sandbox

import (
	"bytes"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestProvider(t *testing.T, opts ...LocalOption) *LocalProvider {
	t.Helper()
	return NewLocalProvider(t.TempDir(), log.New(io.Discard, "", 0), opts...)
}

func TestLocalProviderExec(t *testing.T) {
	p := newTestProvider(t)
	sb, err := p.Create(t.Context(), Config{Image: "local", MemoryMB: 512, CPUs: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(sb.ID, "sb-") {
		t.Errorf("id = %q", sb.ID)
	}

	res, err := p.Exec(t.Context(), sb.ID, Shell("echo hello; echo oops >&2; exit 3"))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 || res.Stdout != "hello\n" || res.Stderr != "oops\n" {
		t.Fatalf("result = %+v", res)
	}

	// Commands run in the sandbox work dir.
	if _, err := p.Exec(t.Context(), sb.ID, Shell("echo data > f.txt")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(sb.WorkDir + "/f.txt")
	if err != nil || string(data) != "data\n" {
		t.Fatalf("file in workdir = %q, %v", data, err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLocalProviderExecStreaming(t *testing.T) {
	p := newTestProvider(t)
	sb, _ := p.Create(t.Context(), Config{})
	var out, errOut syncBuffer
	res, err := p.ExecStreaming(t.Context(), sb.ID, Shell("printf a; printf b >&2"), &out, &errOut)
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != "a" || errOut.String() != "b" || res.Stdout != "a" || res.Stderr != "b" {
		t.Fatalf("stream out=%q err=%q result=%+v", out.String(), errOut.String(), res)
	}
}

func TestLocalProviderTimeout(t *testing.T) {
	p := newTestProvider(t, WithExecTimeout(100*time.Millisecond))
	sb, _ := p.Create(t.Context(), Config{})
	start := time.Now()
	_, err := p.Exec(t.Context(), sb.ID, Shell("sleep 10"))
	if !errors.Is(err, ErrExecTimeout) {
		t.Fatalf("err = %v, want ErrExecTimeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout took %s", time.Since(start))
	}
}

func TestLocalProviderDestroy(t *testing.T) {
	p := newTestProvider(t)
	sb, _ := p.Create(t.Context(), Config{})
	if err := p.Destroy(t.Context(), sb.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sb.WorkDir); !os.IsNotExist(err) {
		t.Fatalf("workdir still exists: %v", err)
	}
	if _, err := p.Exec(t.Context(), sb.ID, Shell("true")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("exec after destroy err = %v", err)
	}
	if err := p.Destroy(t.Context(), sb.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second destroy err = %v", err)
	}
}

func TestLocalProviderExecInput(t *testing.T) {
	p := newTestProvider(t)
	sb, _ := p.Create(t.Context(), Config{})
	payload := bytes.Repeat([]byte("a"), 200*1024)
	res, err := p.ExecInput(t.Context(), sb.ID, Shell("cat > in.bin && wc -c < in.bin"), bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "204800" {
		t.Fatalf("result = %+v", res)
	}
	got, err := os.ReadFile(sb.WorkDir + "/in.bin")
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("stored %d bytes, %v", len(got), err)
	}
}
