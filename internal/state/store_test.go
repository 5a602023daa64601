package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	st := NewStore()
	st.Register("d1", "udp://:14550")

	got, ok := st.Get("d1")
	require.True(t, ok)
	assert.Equal(t, "d1", got.DroneID)
	assert.Equal(t, TaskStatusNone, got.TaskStatus)
}

func TestUpdateTaskStatusMonotonicProgress(t *testing.T) {
	st := NewStore()
	st.Register("d1", "udp://:14550")

	st.UpdateTaskStatus("d1", "t1", TaskStatusExecuting, 0.5)
	st.UpdateTaskStatus("d1", "t1", TaskStatusExecuting, 0.2) // attempted decrease

	got, _ := st.Get("d1")
	assert.Equal(t, 0.5, got.TaskProgress, "progress must not decrease while EXECUTING for the same task")
}

func TestUpdateTaskStatusNewTaskResetsProgress(t *testing.T) {
	st := NewStore()
	st.Register("d1", "udp://:14550")

	st.UpdateTaskStatus("d1", "t1", TaskStatusExecuting, 0.9)
	st.UpdateTaskStatus("d1", "t1", TaskStatusCompleted, 1.0)
	st.UpdateTaskStatus("d1", "t2", TaskStatusExecuting, 0.1)

	got, _ := st.Get("d1")
	assert.Equal(t, 0.1, got.TaskProgress)
	assert.Equal(t, "t2", got.CurrentTaskID)
}

func TestChangeNotificationDeliveredAfterCommit(t *testing.T) {
	st := NewStore()
	st.Register("d1", "udp://:14550")

	ch := make(chan ChangeNotification, 4)
	st.Subscribe(ch)

	st.UpdateTaskStatus("d1", "t1", TaskStatusAccepted, 0)

	n := <-ch
	assert.Equal(t, "d1", n.DroneID)
	assert.Equal(t, TaskStatusAccepted, n.New.TaskStatus)
}

func TestUnregisterRemovesRecord(t *testing.T) {
	st := NewStore()
	st.Register("d1", "udp://:14550")
	st.Unregister("d1")

	_, ok := st.Get("d1")
	assert.False(t, ok)
}
