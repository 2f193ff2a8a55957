package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	res, err := Decode([]byte(`{"ok":true}`), "application/json")

	require.NoError(t, err)
	assert.False(t, res.IsHTML)
	assert.Equal(t, map[string]interface{}{"ok": true}, res.Value)
}

func TestDecodeHTMLErrorPage(t *testing.T) {
	res, err := Decode([]byte("<!DOCTYPE html><html><body>502 Bad Gateway</body></html>"), "application/json")

	require.NoError(t, err)
	assert.True(t, res.IsHTML)
}

func TestDecodeCSV(t *testing.T) {
	res, err := Decode([]byte("name,age\nalice,30\nbob,40"), "text/csv")

	require.NoError(t, err)
	rows := res.Value.([]interface{})
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0].(map[string]interface{})["name"])
}

func TestDecodeFallsBackToRawString(t *testing.T) {
	res, err := Decode([]byte("plain text body"), "text/plain")

	require.NoError(t, err)
	assert.Equal(t, "plain text body", res.Value)
}
