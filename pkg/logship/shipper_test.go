package logship

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestTailerReadsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.log")
	writeLog(t, path, "old line\n")

	// Starts at end of file: existing content is not re-shipped.
	tailer := NewTailer("validator", path)
	entries, err := tailer.Poll()
	require.NoError(t, err)
	assert.Empty(t, entries)

	writeLog(t, path, "first\nsecond\n")
	entries, err = tailer.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Line)
	assert.Equal(t, "second", entries[1].Line)

	// Nothing new, nothing returned.
	entries, err = tailer.Poll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTailerHoldsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.log")
	tailer := NewTailer("validator", path)

	writeLog(t, path, "complete\nincompl")
	entries, err := tailer.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "complete", entries[0].Line)

	writeLog(t, path, "ete\n")
	entries, err = tailer.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "incomplete", entries[0].Line)
}

func TestTailerResetsOnTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.log")
	tailer := NewTailer("validator", path)

	writeLog(t, path, "before rotation\n")
	_, err := tailer.Poll()
	require.NoError(t, err)

	require.NoError(t, os.Truncate(path, 0))
	writeLog(t, path, "after rotation\n")

	entries, err := tailer.Poll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "after rotation", entries[0].Line)
}

func TestTailerMissingFile(t *testing.T) {
	tailer := NewTailer("validator", filepath.Join(t.TempDir(), "absent.log"))
	entries, err := tailer.Poll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShipperPushesBatches(t *testing.T) {
	var received []pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var push pushRequest
		require.NoError(t, json.Unmarshal(body, &push))
		received = append(received, push)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "validator.log")
	shipper := NewShipper("relay-a", server.URL, map[string]string{"validator": path}, server.Client())

	writeLog(t, path, "line one\nline two\n")
	shipper.collect()
	require.NoError(t, shipper.flush(context.Background()))

	require.Len(t, received, 1)
	require.Len(t, received[0].Streams, 1)
	s := received[0].Streams[0]
	assert.Equal(t, "validator", s.Labels["process"])
	assert.Equal(t, "warden", s.Labels["job"])
	require.Len(t, s.Values, 2)
	assert.Equal(t, "line one", s.Values[0][1])
	assert.Equal(t, "line two", s.Values[1][1])

	// Flushed entries are not re-sent.
	require.NoError(t, shipper.flush(context.Background()))
	assert.Len(t, received, 1)
}

func TestShipperBuffersAcrossFailures(t *testing.T) {
	fail := true
	var received []pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var push pushRequest
		require.NoError(t, json.Unmarshal(body, &push))
		received = append(received, push)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "validator.log")
	shipper := NewShipper("relay-a", server.URL, map[string]string{"validator": path}, server.Client())

	writeLog(t, path, "while down\n")
	shipper.collect()
	require.Error(t, shipper.flush(context.Background()))

	writeLog(t, path, "while up\n")
	shipper.collect()
	fail = false
	require.NoError(t, shipper.flush(context.Background()))

	require.Len(t, received, 1)
	require.Len(t, received[0].Streams, 1)
	values := received[0].Streams[0].Values
	require.Len(t, values, 2)
	assert.Equal(t, "while down", values[0][1])
	assert.Equal(t, "while up", values[1][1])
}
