// Command dlnkctl is a CLI client for the DLNK license core.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/dlnk/licensecore/internal/hwid"
	grpcserver "github.com/dlnk/licensecore/internal/server/grpc"
)

// ---- session store ----

type sessionFile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "dlnk")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "dlnk")
}

func sessionPath() string { return filepath.Join(cfgDir(), "session.json") }

func saveSession(s sessionFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sessionPath(), b, 0o600)
}

func loadSession() (sessionFile, error) {
	b, err := os.ReadFile(sessionPath())
	if err != nil {
		return sessionFile{}, errors.New("not logged in")
	}
	var s sessionFile
	if err := json.Unmarshal(b, &s); err != nil {
		return sessionFile{}, err
	}
	if s.ID == "" || time.Now().After(s.ExpiresAt) {
		return sessionFile{}, errors.New("session expired (login required)")
	}
	return s, nil
}

func clearSession() error {
	if err := os.Remove(sessionPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ---- grpc dial ----

type dialConfig struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
}

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(dc dialConfig) (*grpc.ClientConn, *grpcserver.Client, error) {
	creds := insecure.NewCredentials()
	if !dc.plaintext {
		var err error
		if creds, err = loadTLS(dc.caPath, dc.insecure); err != nil {
			return nil, nil, err
		}
	}
	cc, err := grpc.NewClient(dc.addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewClient(cc), nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	if st, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s (%s)\n", st.Message(), st.Code())
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `dlnkctl
Usage:
  dlnkctl -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  fingerprint                                    (print this machine's hardware id)
  register     -u <username> [-email <addr>] [-p <password>]
  login        -u <username|email> [-p <password>] [-totp <code>] [-key <license>]
  logout
  whoami
  passwd                                         (prompts for old and new password)
  enroll-totp
  issue        -owner <uuid> -type <type> [-days N] [-devices N] [-bind <hwid>] [-name <owner>] [-email <addr>]
  validate     -key <license> [-hwid <id>]       (defaults to this machine)
  verify-lease -lease <token> [-hwid <id>]
  revoke       -key <license> [-reason <text>]
  extend       -key <license> -days N
  suspend      -key <license> [-reason <text>]
  reinstate    -key <license>
  create-user  -u <username> -role <role> [-email <addr>] [-p <password>] [-must-change]
  audit        [-after N] [-limit N]
  sessions-end [-user <uuid>]                    (end every session of a user, default self)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	var dc dialConfig
	flag.StringVar(&dc.addr, "addr", "localhost:8443", "server addr")
	flag.StringVar(&dc.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&dc.insecure, "insecure", false, "skip cert verify (dev)")
	flag.BoolVar(&dc.plaintext, "plaintext", false, "no TLS (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, rest := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Printf("dlnkctl %s (%s)\n", version, buildDate)
		return
	case "fingerprint":
		id, err := hwid.New().Identity()
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{"hwid": id.Fingerprint, "short": id.Short, "reliable": id.Reliable})
		return
	}

	c, ok := commands[cmd]
	if !ok {
		usage()
	}
	req, err := c.build(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cc, cl, err := dial(dc)
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	if c.auth {
		s, err := loadSession()
		if err != nil {
			fail(err)
		}
		cl = cl.WithSession(s.ID)
	}

	out, err := cl.Call(ctx, c.method, req)
	if cmd == "login" && grpcserver.IsRequires2FA(err) {
		code, perr := prompt("2FA code: ")
		if perr != nil {
			fail(perr)
		}
		req["totp"] = code
		out, err = cl.Call(ctx, c.method, req)
	}
	if err != nil {
		fail(err)
	}
	if c.after != nil {
		if err := c.after(out); err != nil {
			fail(err)
		}
	}
	printJSON(out)
}
