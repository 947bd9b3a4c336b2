package actuator

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingTerminator struct {
	mu   sync.Mutex
	pids []int
	err  error
}

func (r *recordingTerminator) Terminate(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids = append(r.pids, pid)
	return r.err
}

func TestActuator_Unarmed(t *testing.T) {
	term := &recordingTerminator{}
	a := New(term, 0, nil)

	assert.False(t, a.Armed())
	assert.False(t, a.Fire(1))
	a.Wait()
	assert.Empty(t, term.pids)
}

func TestActuator_FiresTerminator(t *testing.T) {
	term := &recordingTerminator{}
	core, logs := observer.New(zap.InfoLevel)
	a := New(term, 4242, zap.New(core))

	require.True(t, a.Fire(7))
	a.Wait()

	assert.Equal(t, []int{4242}, term.pids)
	entries := logs.FilterMessage("target process terminated").All()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(7), entries[0].ContextMap()["decision_id"])
}

func TestActuator_FailureIsLoggedNotReturned(t *testing.T) {
	term := &recordingTerminator{err: errors.New("no such process")}
	core, logs := observer.New(zap.InfoLevel)
	a := New(term, 4242, zap.New(core))

	assert.True(t, a.Fire(1))
	a.Wait()

	assert.Equal(t, 1, logs.FilterMessage("failed to terminate target process").Len())
}

func TestProcessKiller_RefusesSelf(t *testing.T) {
	err := ProcessKiller{}.Terminate(os.Getpid())
	assert.ErrorIs(t, err, ErrSelf)
}

func TestProcessKiller_KillsChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep(1)")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	require.NoError(t, ProcessKiller{}.Terminate(cmd.Process.Pid))

	err := cmd.Wait()
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.False(t, exitErr.Success())
}
