package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(id int) OutputEvent {
	return OutputEvent{
		SessionID: "test",
		Type:      OutputStdout,
		Data:      fmt.Sprintf("record-%d", id),
		Timestamp: time.Now().UTC(),
	}
}

func data(events []OutputEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Data
	}
	return out
}

func TestRingBuffer(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		writes   int
		want     []string
	}{
		{"empty", 10, 0, []string{}},
		{"partial fill", 10, 3, []string{"record-0", "record-1", "record-2"}},
		{"exact capacity", 3, 3, []string{"record-0", "record-1", "record-2"}},
		{"overflow drops oldest", 3, 5, []string{"record-2", "record-3", "record-4"}},
		{"wraps twice", 2, 5, []string{"record-3", "record-4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(tt.capacity)
			for i := 0; i < tt.writes; i++ {
				rb.Write(makeEvent(i))
			}
			got := rb.ReadAll()
			assert.Equal(t, tt.want, data(got))
			assert.Equal(t, len(tt.want), rb.Len())
		})
	}
}

func TestRingBuffer_ZeroCapacityClamped(t *testing.T) {
	rb := NewRingBuffer(0)
	rb.Write(makeEvent(1))
	rb.Write(makeEvent(2))

	got := rb.ReadAll()
	require.Len(t, got, 1)
	assert.Equal(t, "record-2", got[0].Data)
}
