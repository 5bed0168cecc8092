package gziputil

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestBodyRoundTrip(t *testing.T) {
	payload := []byte(`{"email":"ana@agency.test","password":"correct horse"}`)

	body, err := NewBody(bytes.NewReader(gzipped(t, payload)), 1024)
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, payload, got)
}

func TestBodyExactlyAtLimit(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 64)

	body, err := NewBody(bytes.NewReader(gzipped(t, payload)), 64)
	require.NoError(t, err)
	defer body.Close()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Len(t, got, 64)
}

func TestBodyTooLarge(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 4096)

	body, err := NewBody(bytes.NewReader(gzipped(t, payload)), 100)
	require.NoError(t, err)
	defer body.Close()
	_, err = io.ReadAll(body)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestBodyInvalidHeader(t *testing.T) {
	_, err := NewBody(strings.NewReader("not gzip at all"), 0)
	assert.Error(t, err)
}

func TestBodyReusesPooledReader(t *testing.T) {
	for i := range 3 {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 10)
		body, err := NewBody(bytes.NewReader(gzipped(t, payload)), 0)
		require.NoError(t, err)
		got, err := io.ReadAll(body)
		require.NoError(t, err)
		require.NoError(t, body.Close())
		assert.Equal(t, payload, got)
	}
}

func TestBodyReadAfterClose(t *testing.T) {
	body, err := NewBody(bytes.NewReader(gzipped(t, []byte("x"))), 0)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.NoError(t, body.Close())
	_, err = body.Read(make([]byte, 1))
	assert.Error(t, err)
}
