// Command cantina is an operator CLI for the access terminal HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "cantinad")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cantinad")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.Create(tokenPath())
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// ---- http client ----

type apiClient struct {
	base  string
	token string
	hc    *http.Client
}

func newClient(base, token string) *apiClient {
	return &apiClient{base: base, token: token, hc: &http.Client{Timeout: 30 * time.Second}}
}

// do performs one API call and decodes the JSON body; non-2xx responses
// come back as an error carrying the server's "error" field.
func (c *apiClient) do(method, path string, body io.Reader, contentType string) (json.RawMessage, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, b)
	}
	if len(b) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(b), nil
}

func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("api error: status=%d msg=%s", status, e.Error)
	}
	return fmt.Errorf("api error: status=%d", status)
}

// multipartImage builds a multipart body with one image file plus fields.
func multipartImage(field, path string, fields map[string]string) (*bytes.Buffer, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printRaw(raw json.RawMessage) {
	var v any
	if json.Unmarshal(raw, &v) == nil {
		printJSON(v)
		return
	}
	fmt.Println(string(raw))
}

func usage() {
	fmt.Fprintf(os.Stderr, `cantina CLI
Usage:
  cantina -addr http://HOST:PORT <cmd> [args]

Commands:
  version
  hash-secret -p <secret>                      (prints encoded hash for config)
  login       -u <username> -p <secret>        (saves token)
  list
  get         -id <id>
  enroll      -id <id> -name <name> -photo <file> [-balance <amount>]
  balance     -id <id> -amount <amount> [-reason <reason>]
  check       -id <id>
  decide      -file <image>
  rm          -id <id>
  reload
  stats
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the HTTP API.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "version":
		fmt.Printf("cantina %s (%s)\n", version, buildDate)
	case "hash-secret":
		cmdHashSecret(args)
	case "login":
		cmdLogin(args, *addr)
	case "list":
		cmdList(*addr)
	case "get":
		cmdGet(args, *addr)
	case "enroll":
		cmdEnroll(args, *addr)
	case "balance":
		cmdBalance(args, *addr)
	case "check":
		cmdCheck(args, *addr)
	case "decide":
		cmdDecide(args, *addr)
	case "rm":
		cmdRemove(args, *addr)
	case "reload":
		cmdReload(*addr)
	case "stats":
		cmdStats(*addr)
	default:
		usage()
	}
}

// ---- helpers ----

func authedClient(addr string) *apiClient {
	token, err := loadToken()
	if err != nil {
		fail(err)
	}
	return newClient(addr, token)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
