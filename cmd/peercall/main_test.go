package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/native/internal/domain"
	"peercall/native/internal/store"
)

func TestPrintHistory(t *testing.T) {
	st, err := store.Open(store.Memory)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	out := domain.NewCall(uuid.New(), "alice", "bob", created)
	start, end := created.Add(time.Second), created.Add(61*time.Second)
	out.Status, out.StartTime, out.EndTime, out.DurationSeconds = domain.CallEnded, &start, &end, 60
	in := domain.NewCall(uuid.New(), "carol", "alice", created.Add(time.Hour))
	in.Status = domain.CallMissed
	require.NoError(t, st.SaveCall(ctx, out))
	require.NoError(t, st.SaveCall(ctx, in))

	var buf bytes.Buffer
	require.NoError(t, printHistory(ctx, st, "alice", 10, &buf))
	text := buf.String()
	assert.Contains(t, text, "2 calls, 1m0s total")
	assert.Contains(t, text, "<- carol")
	assert.Contains(t, text, "-> bob")
	assert.Contains(t, text, "missed")
}

func TestOpenAudioOut(t *testing.T) {
	w, closeFn, err := openAudioOut("")
	require.NoError(t, err)
	assert.Nil(t, w)
	closeFn()

	path := t.TempDir() + "/pcm.raw"
	w, closeFn, err = openAudioOut(path)
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2})
	require.NoError(t, err)
	closeFn()
}
