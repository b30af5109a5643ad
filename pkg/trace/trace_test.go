package trace

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	evt := Event{
		Timestamp:  time.Date(2026, 8, 23, 10, 30, 0, 123456789, time.UTC),
		SessionID:  "550e8400-e29b-41d4-a716-446655440000",
		Backend:    "coap",
		Direction:  DirectionOut,
		RemoteAddr: "192.0.2.1:5683",
		Frame: &FrameEvent{
			Size: 24,
			Data: []byte{0x51, 0x03, 0x00, 0x01},
		},
	}

	data, err := EncodeEvent(evt)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)

	assert.True(t, got.Timestamp.Equal(evt.Timestamp), "timestamp survives with nanoseconds")
	assert.Equal(t, evt.SessionID, got.SessionID)
	assert.Equal(t, evt.Backend, got.Backend)
	assert.Equal(t, evt.Direction, got.Direction)
	assert.Equal(t, evt.RemoteAddr, got.RemoteAddr)
	require.NotNil(t, got.Frame)
	assert.Equal(t, evt.Frame.Size, got.Frame.Size)
	assert.Equal(t, evt.Frame.Data, got.Frame.Data)
	assert.Nil(t, got.StateChange)
	assert.Nil(t, got.Error)
}

func TestEncodeStateChangeAndError(t *testing.T) {
	events := []Event{
		{Backend: "mqtt", StateChange: &StateChangeEvent{From: "CONNECTING", To: "CONNECTED"}},
		{Backend: "mqtt", Error: &ErrorEvent{Message: "connection reset"}},
	}

	for _, evt := range events {
		data, err := EncodeEvent(evt)
		require.NoError(t, err)

		got, err := DecodeEvent(data)
		require.NoError(t, err)

		if evt.StateChange != nil {
			require.NotNil(t, got.StateChange)
			assert.Equal(t, *evt.StateChange, *got.StateChange)
		}
		if evt.Error != nil {
			require.NotNil(t, got.Error)
			assert.Equal(t, *evt.Error, *got.Error)
		}
	}
}

func TestDeterministicEncoding(t *testing.T) {
	evt := Event{
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SessionID: "s",
		Backend:   "coap",
	}

	a, err := EncodeEvent(evt)
	require.NoError(t, err)
	b, err := EncodeEvent(evt)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNewFrameEvent(t *testing.T) {
	t.Run("Short", func(t *testing.T) {
		data := []byte{1, 2, 3}
		evt := NewFrameEvent(data)
		assert.Equal(t, 3, evt.Size)
		assert.Equal(t, data, evt.Data)
		assert.False(t, evt.Truncated)
	})

	t.Run("Truncated", func(t *testing.T) {
		data := bytes.Repeat([]byte{0xAA}, MaxFrameCapture+100)
		evt := NewFrameEvent(data)
		assert.Equal(t, MaxFrameCapture+100, evt.Size)
		assert.Len(t, evt.Data, MaxFrameCapture)
		assert.True(t, evt.Truncated)
	})
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.utrace")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	events := []Event{
		{Timestamp: time.Now().UTC(), Backend: "mqtt", SessionID: "a", StateChange: &StateChangeEvent{From: "IDLE", To: "RESOLVING"}},
		{Timestamp: time.Now().UTC(), Backend: "mqtt", SessionID: "a", Direction: DirectionOut, Frame: &FrameEvent{Size: 16}},
		{Timestamp: time.Now().UTC(), Backend: "mqtt", SessionID: "a", Error: &ErrorEvent{Message: "boom"}},
	}
	for _, evt := range events {
		logger.Log(evt)
	}
	require.NoError(t, logger.Close())

	// Close is idempotent and later Log calls are ignored.
	require.NoError(t, logger.Close())
	logger.Log(Event{Backend: "dropped"})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := NewDecoder(f)
	var got []Event
	for {
		var evt Event
		if err := dec.Decode(&evt); err != nil {
			require.True(t, errors.Is(err, io.EOF), "decode error: %v", err)
			break
		}
		got = append(got, evt)
	}

	require.Len(t, got, len(events))
	assert.NotNil(t, got[0].StateChange)
	assert.NotNil(t, got[1].Frame)
	assert.NotNil(t, got[2].Error)
	for i := range got {
		assert.Equal(t, "a", got[i].SessionID)
	}
}

func TestFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append.utrace")

	for i := 0; i < 2; i++ {
		logger, err := NewFileLogger(path)
		require.NoError(t, err)
		logger.Log(Event{Backend: "coap"})
		require.NoError(t, logger.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := NewDecoder(f)
	count := 0
	for {
		var evt Event
		if err := dec.Decode(&evt); err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 2, count, "reopening appends instead of truncating")
}

func TestNoopLogger(t *testing.T) {
	// Must simply not panic.
	NoopLogger{}.Log(Event{Backend: "mqtt"})
}
