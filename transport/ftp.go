package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/model"
)

// FTPOperation is the structured request body the FTP transport expects:
// {"operation": "list|get|put|delete|rename|mkdir|rmdir|exists|stat", ...}.
type FTPOperation struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Dest      string `json:"dest,omitempty"`
	Content   string `json:"content,omitempty"`
}

// FTPConfig configures dial/auth behavior shared by FTP, FTPS and SFTP.
type FTPConfig struct {
	DialTimeout time.Duration
	Username    string
	Password    string
}

// FTPTransport implements the FTP/FTPS/SFTP transport family.
type FTPTransport struct {
	cfg    FTPConfig
	logger core.Logger
}

func NewFTPTransport(cfg FTPConfig, logger core.Logger) *FTPTransport {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &FTPTransport{cfg: cfg, logger: logger}
}

var _ Transport = (*FTPTransport)(nil)

func (t *FTPTransport) Execute(ctx context.Context, ep model.Endpoint, resolved ResolvedRequest) (model.Response, error) {
	var op FTPOperation
	if err := json.Unmarshal([]byte(resolved.Body), &op); err != nil {
		return model.Response{}, core.NewEngineError(core.KindTransport, fmt.Sprintf("ftp operation body is not valid JSON: %v", err))
	}

	fullPath := path.Join("/", ep.URLPath, op.Path)

	switch schemeOf(ep.URLHost) {
	case "sftp":
		return t.executeSFTP(ctx, ep, op, fullPath)
	case "ftps":
		return t.executeFTP(ctx, ep, op, fullPath, true)
	default:
		return t.executeFTP(ctx, ep, op, fullPath, false)
	}
}

func schemeOf(urlHost string) string {
	lower := strings.ToLower(urlHost)
	switch {
	case strings.HasPrefix(lower, "sftp://"):
		return "sftp"
	case strings.HasPrefix(lower, "ftps://"):
		return "ftps"
	default:
		return "ftp"
	}
}

func hostPort(urlHost string, defaultPort string) string {
	h := urlHost
	for _, p := range []string{"sftp://", "ftps://", "ftp://"} {
		h = strings.TrimPrefix(h, p)
	}
	h = strings.TrimSuffix(h, "/")
	if !strings.Contains(h, ":") {
		h += ":" + defaultPort
	}
	return h
}

func (t *FTPTransport) executeFTP(ctx context.Context, ep model.Endpoint, op FTPOperation, fullPath string, useTLS bool) (model.Response, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx), ftp.DialWithTimeout(t.cfg.DialTimeout)}
	if useTLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{}))
	}
	conn, err := ftp.Dial(hostPort(ep.URLHost, "21"), opts...)
	if err != nil {
		return model.Response{}, core.NewEngineError(core.KindTransport, fmt.Sprintf("ftp dial failed: %v", err))
	}
	defer conn.Quit()

	if t.cfg.Username != "" {
		if err := conn.Login(t.cfg.Username, t.cfg.Password); err != nil {
			return model.Response{}, core.NewEngineError(core.KindTransport, fmt.Sprintf("ftp login failed: %v", err))
		}
	}

	switch op.Operation {
	case "list":
		entries, err := conn.List(fullPath)
		if err != nil {
			return ftpErr(op, err)
		}
		out := make([]interface{}, len(entries))
		for i, e := range entries {
			out[i] = map[string]interface{}{"name": e.Name, "size": e.Size, "type": e.Type.String()}
		}
		return model.Response{Data: out, StatusCode: 200}, nil

	case "get":
		resp, err := conn.Retr(fullPath)
		if err != nil {
			return ftpErr(op, err)
		}
		defer resp.Close()
		raw, err := io.ReadAll(resp)
		if err != nil {
			return ftpErr(op, err)
		}
		decoded, _ := Decode(raw, "")
		return model.Response{Data: decoded.Value, StatusCode: 200}, nil

	case "put":
		if err := conn.Stor(fullPath, strings.NewReader(op.Content)); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "delete":
		if err := conn.Delete(fullPath); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "rename":
		dest := path.Join("/", ep.URLPath, op.Dest)
		if err := conn.Rename(fullPath, dest); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "mkdir":
		if err := conn.MakeDir(fullPath); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "rmdir":
		if err := conn.RemoveDir(fullPath); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "exists", "stat":
		entries, err := conn.List(path.Dir(fullPath))
		if err != nil {
			return model.Response{Data: map[string]interface{}{"exists": false}, StatusCode: 200}, nil
		}
		base := path.Base(fullPath)
		for _, e := range entries {
			if e.Name == base {
				return model.Response{Data: map[string]interface{}{"exists": true, "size": e.Size, "type": e.Type.String()}, StatusCode: 200}, nil
			}
		}
		return model.Response{Data: map[string]interface{}{"exists": false}, StatusCode: 200}, nil

	default:
		return model.Response{}, core.NewEngineError(core.KindTransport, fmt.Sprintf("unsupported ftp operation %q", op.Operation))
	}
}

func (t *FTPTransport) executeSFTP(ctx context.Context, ep model.Endpoint, op FTPOperation, fullPath string) (model.Response, error) {
	sshCfg := &ssh.ClientConfig{
		User:            t.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(t.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.DialTimeout,
	}
	conn, err := ssh.Dial("tcp", hostPort(ep.URLHost, "22"), sshCfg)
	if err != nil {
		return model.Response{}, core.NewEngineError(core.KindTransport, fmt.Sprintf("sftp dial failed: %v", err))
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return model.Response{}, core.NewEngineError(core.KindTransport, fmt.Sprintf("sftp client failed: %v", err))
	}
	defer client.Close()

	switch op.Operation {
	case "list":
		entries, err := client.ReadDir(fullPath)
		if err != nil {
			return ftpErr(op, err)
		}
		out := make([]interface{}, len(entries))
		for i, e := range entries {
			out[i] = map[string]interface{}{"name": e.Name(), "size": e.Size(), "isDir": e.IsDir()}
		}
		return model.Response{Data: out, StatusCode: 200}, nil

	case "get":
		f, err := client.Open(fullPath)
		if err != nil {
			return ftpErr(op, err)
		}
		defer f.Close()
		raw, err := io.ReadAll(f)
		if err != nil {
			return ftpErr(op, err)
		}
		decoded, _ := Decode(raw, "")
		return model.Response{Data: decoded.Value, StatusCode: 200}, nil

	case "put":
		f, err := client.Create(fullPath)
		if err != nil {
			return ftpErr(op, err)
		}
		defer f.Close()
		if _, err := f.Write([]byte(op.Content)); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "delete":
		if err := client.Remove(fullPath); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "rename":
		dest := path.Join("/", ep.URLPath, op.Dest)
		if err := client.Rename(fullPath, dest); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "mkdir":
		if err := client.Mkdir(fullPath); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "rmdir":
		if err := client.RemoveDirectory(fullPath); err != nil {
			return ftpErr(op, err)
		}
		return ftpOK(op, fullPath), nil

	case "exists", "stat":
		info, err := client.Stat(fullPath)
		if err != nil {
			return model.Response{Data: map[string]interface{}{"exists": false}, StatusCode: 200}, nil
		}
		return model.Response{Data: map[string]interface{}{"exists": true, "size": info.Size(), "isDir": info.IsDir()}, StatusCode: 200}, nil

	default:
		return model.Response{}, core.NewEngineError(core.KindTransport, fmt.Sprintf("unsupported sftp operation %q", op.Operation))
	}
}

func ftpErr(op FTPOperation, err error) (model.Response, error) {
	return model.Response{}, core.NewEngineError(core.KindTransport, fmt.Sprintf("%s %s failed: %v", op.Operation, op.Path, err))
}

func ftpOK(op FTPOperation, fullPath string) model.Response {
	return model.Response{Data: map[string]interface{}{"operation": op.Operation, "path": fullPath, "success": true}, StatusCode: 200}
}
