package repl

import (
	"bytes"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpy-sync/internal/pty"
)

// fakePTY plays a device tool REPL: it echoes a banner, records input and
// exits when it receives Ctrl-] (unless stubborn).
type fakePTY struct {
	r        *io.PipeReader
	w        *io.PipeWriter
	stubborn bool

	mu     sync.Mutex
	input  bytes.Buffer
	exited chan struct{}
	once   sync.Once
}

func newFakePTY(stubborn bool) *fakePTY {
	r, w := io.Pipe()
	f := &fakePTY{r: r, w: w, stubborn: stubborn, exited: make(chan struct{})}
	go func() { _, _ = w.Write([]byte("MicroPython v1.22\r\n>>> ")) }()
	return f
}

func (f *fakePTY) exit() {
	f.once.Do(func() {
		_ = f.w.Close()
		close(f.exited)
	})
}

func (f *fakePTY) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *fakePTY) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.input.Write(p)
	f.mu.Unlock()
	if !f.stubborn && bytes.IndexByte(p, exitKey) >= 0 {
		f.exit()
	}
	return len(p), nil
}

func (f *fakePTY) Input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input.String()
}

func (f *fakePTY) Close() error                 { f.exit(); return nil }
func (f *fakePTY) SetSize(rows, cols int) error { return nil }
func (f *fakePTY) Wait() error                  { <-f.exited; return nil }

type starter struct {
	mu       sync.Mutex
	stubborn bool
	spawned  []*fakePTY
	args     [][]string
}

func (s *starter) Start(cmd *exec.Cmd) (pty.PTY, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := newFakePTY(s.stubborn)
	s.spawned = append(s.spawned, f)
	s.args = append(s.args, cmd.Args)
	return f, nil
}

func (s *starter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *starter) Last() *fakePTY {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[len(s.spawned)-1]
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newSession(t *testing.T, st *starter, out io.Writer) *Session {
	t.Helper()
	s := New(Options{Tool: "mpremote", Port: "/dev/ttyACM0", Out: out, ExitGrace: 50 * time.Millisecond, Start: st.Start})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionStartRunsRepl(t *testing.T) {
	st := &starter{}
	out := &syncBuffer{}
	s := newSession(t, st, out)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.Equal(t, 1, st.Count())
	assert.Equal(t, []string{"mpremote", "connect", "/dev/ttyACM0", "repl"}, st.args[0])
	assert.True(t, s.Attached())

	assert.Eventually(t, func() bool { return bytes.Contains([]byte(out.String()), []byte(">>> ")) },
		time.Second, 5*time.Millisecond)

	_, err := s.Write([]byte("print(1)\r"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)\r", st.Last().Input())
}

func TestSessionSuspendResume(t *testing.T) {
	st := &starter{}
	s := newSession(t, st, io.Discard)
	require.NoError(t, s.Start())
	first := st.Last()

	require.NoError(t, s.Suspend(t.Context()))
	assert.False(t, s.Attached())
	assert.Contains(t, first.Input(), string(rune(exitKey)))

	// Input while suspended goes nowhere.
	n, err := s.Write([]byte("lost"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, s.Resume(t.Context()))
	assert.True(t, s.Attached())
	assert.Equal(t, 2, st.Count())
	assert.NotContains(t, st.Last().Input(), "lost")

	select {
	case <-s.Done():
		t.Fatal("suspend must not end the session")
	default:
	}
}

func TestSessionSuspendKillsStubbornRepl(t *testing.T) {
	st := &starter{stubborn: true}
	s := newSession(t, st, io.Discard)
	require.NoError(t, s.Start())

	start := time.Now()
	require.NoError(t, s.Suspend(t.Context()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, s.Attached())
}

func TestSessionUserExitEndsSession(t *testing.T) {
	st := &starter{}
	s := newSession(t, st, io.Discard)
	require.NoError(t, s.Start())

	_, err := s.Write([]byte{exitKey})
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end after the user left the repl")
	}
	assert.False(t, s.Attached())
}

func TestSessionResumeAfterCloseIsNoop(t *testing.T) {
	st := &starter{}
	s := newSession(t, st, io.Discard)
	require.NoError(t, s.Start())
	require.NoError(t, s.Close())

	require.NoError(t, s.Resume(t.Context()))
	assert.False(t, s.Attached())
	assert.Equal(t, 1, st.Count())
	assert.Error(t, s.Start())
}
