package mask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskReplacesKnownCredentials(t *testing.T) {
	m := New("", 0)
	creds := map[string]string{"apiKey": "sk-verysecretvalue"}

	out := m.Mask("request failed with key sk-verysecretvalue in header", creds)

	assert.Equal(t, "request failed with key ***REDACTED*** in header", out)
}

func TestMaskSkipsShortValues(t *testing.T) {
	m := New("***", 6)
	creds := map[string]string{"flag": "true"}

	out := m.Mask("debug=true", creds)

	assert.Equal(t, "debug=true", out)
}

func TestMaskValues(t *testing.T) {
	m := New("", 0)

	out := m.MaskValues("token abcdef123456 leaked", []string{"abcdef123456"})

	assert.Equal(t, "token ***REDACTED*** leaked", out)
}

func TestDeepMasksNestedStrings(t *testing.T) {
	m := New("", 0)
	creds := map[string]string{"secret": "topsecretvalue"}

	data := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"note": "contains topsecretvalue here"},
		},
		"count": 3,
	}

	out := m.Deep(data, creds).(map[string]interface{})
	items := out["items"].([]interface{})
	first := items[0].(map[string]interface{})

	assert.Equal(t, "contains ***REDACTED*** here", first["note"])
	assert.Equal(t, 3, out["count"])
}
