package mpremote

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (r *ExecRunner) tracking(port string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[port]
	return ok
}

func TestKillOnlyStopsThatPort(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner("sh", "-c", "exec sleep 10", "sh")

	done := map[string]chan error{"/dev/ttyACM0": make(chan error, 1), "/dev/ttyACM1": make(chan error, 1)}
	for port, ch := range done {
		go func() {
			_, err := r.Run(t.Context(), []string{"connect", port, "ls", ":/"})
			ch <- err
		}()
	}
	require.Eventually(t, func() bool {
		return r.tracking("/dev/ttyACM0") && r.tracking("/dev/ttyACM1")
	}, 5*time.Second, 10*time.Millisecond)

	r.Kill("/dev/ttyACM0")
	select {
	case err := <-done["/dev/ttyACM0"]:
		var ee *ExitError
		assert.ErrorAs(t, err, &ee)
	case <-time.After(5 * time.Second):
		t.Fatal("killed run did not return")
	}

	select {
	case err := <-done["/dev/ttyACM1"]:
		t.Fatalf("run on the other port stopped: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, r.tracking("/dev/ttyACM1"))
	assert.False(t, r.tracking("/dev/ttyACM0"))

	r.Kill("/dev/ttyACM1")
	<-done["/dev/ttyACM1"]
}

func TestPortOf(t *testing.T) {
	assert.Equal(t, "/dev/ttyACM0", portOf([]string{"connect", "/dev/ttyACM0", "ls"}))
	assert.Equal(t, "", portOf([]string{"devs"}))
}
