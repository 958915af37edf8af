package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dlnk/licensecore/internal/hwid"
	"github.com/dlnk/licensecore/internal/validation"
)

// command maps a subcommand onto one RPC.
type command struct {
	method string
	auth   bool
	build  func(args []string) (map[string]any, error)
	after  func(out map[string]any) error
}

var commands = map[string]command{
	"register":     {method: "Register", build: buildRegister},
	"login":        {method: "Login", build: buildLogin, after: rememberSession},
	"logout":       {method: "Logout", auth: true, build: noArgs("logout"), after: func(map[string]any) error { return clearSession() }},
	"whoami":       {method: "WhoAmI", auth: true, build: noArgs("whoami")},
	"passwd":       {method: "ChangePassword", auth: true, build: buildPasswd},
	"enroll-totp":  {method: "EnrollTOTP", auth: true, build: noArgs("enroll-totp")},
	"issue":        {method: "Issue", auth: true, build: buildIssue},
	"validate":     {method: "Validate", build: buildValidate},
	"verify-lease": {method: "VerifyLease", build: buildVerifyLease},
	"revoke":       {method: "Revoke", auth: true, build: keyAndReason("revoke")},
	"extend":       {method: "Extend", auth: true, build: buildExtend},
	"suspend":      {method: "Suspend", auth: true, build: keyAndReason("suspend")},
	"reinstate":    {method: "Reinstate", auth: true, build: buildReinstate},
	"create-user":  {method: "CreateUser", auth: true, build: buildCreateUser},
	"audit":        {method: "GetAuditPage", auth: true, build: buildAudit},
	"sessions-end": {method: "InvalidateUserSessions", auth: true, build: buildSessionsEnd},
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func noArgs(name string) func([]string) (map[string]any, error) {
	return func(args []string) (map[string]any, error) {
		if err := newFlagSet(name).Parse(args); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
}

func buildRegister(args []string) (map[string]any, error) {
	fs := newFlagSet("register")
	u := fs.String("u", "", "username")
	email := fs.String("email", "", "email")
	p := fs.String("p", "", "password")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *u == "" {
		return nil, errors.New("need -u")
	}
	pw, err := passwordOrPrompt(*p, "Password: ")
	if err != nil {
		return nil, err
	}
	return map[string]any{"username": *u, "email": *email, "password": pw}, nil
}

func buildLogin(args []string) (map[string]any, error) {
	fs := newFlagSet("login")
	u := fs.String("u", "", "username or email")
	p := fs.String("p", "", "password")
	code := fs.String("totp", "", "2FA code")
	key := fs.String("key", "", "license key to bind the session to")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *u == "" {
		return nil, errors.New("need -u")
	}
	pw, err := passwordOrPrompt(*p, "Password: ")
	if err != nil {
		return nil, err
	}
	req := map[string]any{"principal": *u, "password": pw, "user_agent": "dlnkctl/" + version}
	if *code != "" {
		req["totp"] = *code
	}
	if *key != "" {
		req["license_key"] = *key
	}
	return req, nil
}

func rememberSession(out map[string]any) error {
	sess, _ := out["session"].(map[string]any)
	id, _ := sess["id"].(string)
	if id == "" {
		return errors.New("server returned no session")
	}
	exp, err := time.Parse(time.RFC3339, fmt.Sprint(sess["expires_at"]))
	if err != nil {
		return fmt.Errorf("session expiry: %w", err)
	}
	name, _ := sess["username"].(string)
	// keep the id out of the printed response
	sess["id"] = "(saved)"
	return saveSession(sessionFile{ID: id, Username: name, ExpiresAt: exp})
}

func buildPasswd(args []string) (map[string]any, error) {
	if err := newFlagSet("passwd").Parse(args); err != nil {
		return nil, err
	}
	old, err := prompt("Current password: ")
	if err != nil {
		return nil, err
	}
	next, err := prompt("New password: ")
	if err != nil {
		return nil, err
	}
	again, err := prompt("Repeat new password: ")
	if err != nil {
		return nil, err
	}
	if next != again {
		return nil, errors.New("passwords do not match")
	}
	return map[string]any{"old_password": old, "new_password": next}, nil
}

func buildIssue(args []string) (map[string]any, error) {
	fs := newFlagSet("issue")
	owner := fs.String("owner", "", "owner user id")
	typ := fs.String("type", "", "license type")
	days := fs.Int("days", -1, "duration in days (default per type)")
	devices := fs.Int("devices", 1, "max devices")
	bind := fs.String("bind", "", "hardware id to bind")
	name := fs.String("name", "", "owner name")
	email := fs.String("email", "", "owner email")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *owner == "" || *typ == "" {
		return nil, errors.New("need -owner and -type")
	}
	req := map[string]any{
		"owner_user_id": *owner,
		"type":          *typ,
		"max_devices":   *devices,
		"owner_name":    *name,
		"email":         *email,
	}
	if *days >= 0 {
		req["duration_days"] = *days
	}
	if *bind != "" {
		if err := validation.HWID(*bind); err != nil {
			return nil, err
		}
		req["bind_hwid"] = *bind
	}
	return req, nil
}

// localHWID is swapped in tests.
var localHWID = func() (string, bool, error) {
	id, err := hwid.New().Identity()
	if err != nil {
		return "", false, err
	}
	return id.Fingerprint, id.Reliable, nil
}

func buildValidate(args []string) (map[string]any, error) {
	fs := newFlagSet("validate")
	key := fs.String("key", "", "license key")
	hw := fs.String("hwid", "", "hardware id (default: this machine)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *key == "" {
		return nil, errors.New("need -key")
	}
	req := map[string]any{"key": *key, "client_time": time.Now().UTC().Format(time.RFC3339)}
	if *hw != "" {
		req["hwid"] = *hw
		return req, nil
	}
	fp, reliable, err := localHWID()
	if err != nil {
		return nil, err
	}
	req["hwid"] = fp
	if !reliable {
		req["unreliable_hwid"] = true
	}
	return req, nil
}

func buildVerifyLease(args []string) (map[string]any, error) {
	fs := newFlagSet("verify-lease")
	token := fs.String("lease", "", "lease token")
	hw := fs.String("hwid", "", "hardware id (default: this machine)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *token == "" {
		return nil, errors.New("need -lease")
	}
	if *hw == "" {
		fp, _, err := localHWID()
		if err != nil {
			return nil, err
		}
		*hw = fp
	}
	return map[string]any{"lease": *token, "hwid": *hw}, nil
}

func keyAndReason(name string) func([]string) (map[string]any, error) {
	return func(args []string) (map[string]any, error) {
		fs := newFlagSet(name)
		key := fs.String("key", "", "license key")
		reason := fs.String("reason", "", "reason")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if *key == "" {
			return nil, errors.New("need -key")
		}
		return map[string]any{"key": *key, "reason": *reason}, nil
	}
}

func buildExtend(args []string) (map[string]any, error) {
	fs := newFlagSet("extend")
	key := fs.String("key", "", "license key")
	days := fs.Int("days", 0, "days to add")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *key == "" || *days <= 0 {
		return nil, errors.New("need -key and -days > 0")
	}
	return map[string]any{"key": *key, "days": *days}, nil
}

func buildReinstate(args []string) (map[string]any, error) {
	fs := newFlagSet("reinstate")
	key := fs.String("key", "", "license key")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *key == "" {
		return nil, errors.New("need -key")
	}
	return map[string]any{"key": *key}, nil
}

func buildCreateUser(args []string) (map[string]any, error) {
	fs := newFlagSet("create-user")
	u := fs.String("u", "", "username")
	email := fs.String("email", "", "email")
	p := fs.String("p", "", "initial password")
	role := fs.String("role", "guest", "role")
	must := fs.Bool("must-change", true, "require a password change at first login")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *u == "" {
		return nil, errors.New("need -u")
	}
	pw, err := passwordOrPrompt(*p, "Initial password: ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"username":             *u,
		"email":                *email,
		"password":             pw,
		"role":                 *role,
		"must_change_password": *must,
	}, nil
}

func buildAudit(args []string) (map[string]any, error) {
	fs := newFlagSet("audit")
	after := fs.Int("after", 0, "return events after this sequence number")
	limit := fs.Int("limit", 100, "page size")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return map[string]any{"after_seq": *after, "limit": *limit}, nil
}

func buildSessionsEnd(args []string) (map[string]any, error) {
	fs := newFlagSet("sessions-end")
	user := fs.String("user", "", "user id (default: self)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *user == "" {
		return map[string]any{}, nil
	}
	return map[string]any{"user_id": *user}, nil
}
