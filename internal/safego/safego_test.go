package safego

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

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

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish within 2s")
	}
}

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go("noop", func() { close(done) })
	waitDone(t, done)
}

func TestGo_RecoversPanicAndLogsName(t *testing.T) {
	out := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(out, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	done := make(chan struct{})
	Go("token-refresher", func() {
		defer close(done)
		panic("boom")
	})
	waitDone(t, done)

	// The log line is written after the deferred close above runs.
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "recovered panic") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	logged := out.String()
	for _, want := range []string{"goroutine=token-refresher", "panic=boom", "stack="} {
		if !strings.Contains(logged, want) {
			t.Errorf("log missing %q:\n%s", want, logged)
		}
	}
}
