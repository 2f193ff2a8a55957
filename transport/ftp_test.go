package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemeOf(t *testing.T) {
	assert.Equal(t, "sftp", schemeOf("sftp://files.example.com"))
	assert.Equal(t, "ftps", schemeOf("ftps://files.example.com"))
	assert.Equal(t, "ftp", schemeOf("ftp://files.example.com"))
}

func TestHostPortAddsDefaultPort(t *testing.T) {
	assert.Equal(t, "files.example.com:21", hostPort("ftp://files.example.com", "21"))
	assert.Equal(t, "files.example.com:2121", hostPort("ftp://files.example.com:2121", "21"))
}

func TestFtpOKShape(t *testing.T) {
	resp := ftpOK(FTPOperation{Operation: "mkdir"}, "/a/b")

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "mkdir", data["operation"])
	assert.Equal(t, "/a/b", data["path"])
	assert.Equal(t, true, data["success"])
}
