package main

import (
	"strings"
	"testing"
)

func Test_commands_AllHaveBuilders(t *testing.T) {
	t.Parallel()
	for name, c := range commands {
		if c.method == "" || c.build == nil {
			t.Fatalf("%s: incomplete command %+v", name, c)
		}
	}
	if commands["validate"].auth || commands["register"].auth || commands["login"].auth {
		t.Fatalf("public commands must not require a session")
	}
	if !commands["revoke"].auth || !commands["audit"].auth {
		t.Fatalf("admin commands need a session")
	}
}

func Test_buildLogin_PromptsForPassword(t *testing.T) {
	withStdin(t, "S3cretPass\n")
	req, err := buildLogin([]string{"-u", "alice", "-key", "DLNK-AAAA-BBBB-CCCC-DDDD"})
	if err != nil {
		t.Fatalf("buildLogin: %v", err)
	}
	if req["password"] != "S3cretPass" || req["principal"] != "alice" || req["license_key"] != "DLNK-AAAA-BBBB-CCCC-DDDD" {
		t.Fatalf("unexpected request: %v", req)
	}
	if _, ok := req["totp"]; ok {
		t.Fatalf("totp should be omitted when not given")
	}
	if _, err := buildLogin(nil); err == nil {
		t.Fatalf("want error without -u")
	}
}

func Test_buildPasswd_RequiresMatchingRepeat(t *testing.T) {
	withStdin(t, "Old1Password\nNew1Password\nNew1Password\n")
	req, err := buildPasswd(nil)
	if err != nil {
		t.Fatalf("buildPasswd: %v", err)
	}
	if req["old_password"] != "Old1Password" || req["new_password"] != "New1Password" {
		t.Fatalf("unexpected request: %v", req)
	}

	withStdin(t, "Old1Password\nNew1Password\nOther1Password\n")
	if _, err := buildPasswd(nil); err == nil || !strings.Contains(err.Error(), "match") {
		t.Fatalf("want mismatch error, got %v", err)
	}
}

func Test_buildIssue(t *testing.T) {
	t.Parallel()

	req, err := buildIssue([]string{"-owner", "00000000-0000-0000-0000-000000000001", "-type", "pro", "-devices", "3"})
	if err != nil {
		t.Fatalf("buildIssue: %v", err)
	}
	if req["max_devices"] != 3 {
		t.Fatalf("devices: %v", req)
	}
	if _, ok := req["duration_days"]; ok {
		t.Fatalf("duration_days should default to the policy")
	}

	req, err = buildIssue([]string{"-owner", "x", "-type", "trial", "-days", "0"})
	if err != nil || req["duration_days"] != 0 {
		t.Fatalf("explicit zero days: %v %v", req, err)
	}
	if _, err := buildIssue([]string{"-owner", "x", "-type", "pro", "-bind", "nothex"}); err == nil {
		t.Fatalf("want error for a malformed bind hwid")
	}
	if _, err := buildIssue([]string{"-type", "pro"}); err == nil {
		t.Fatalf("want error without -owner")
	}
}

func Test_buildValidate_UsesLocalFingerprint(t *testing.T) {
	old := localHWID
	localHWID = func() (string, bool, error) { return strings.Repeat("a", 64), false, nil }
	defer func() { localHWID = old }()

	req, err := buildValidate([]string{"-key", "DLNK-AAAA-BBBB-CCCC-DDDD"})
	if err != nil {
		t.Fatalf("buildValidate: %v", err)
	}
	if req["hwid"] != strings.Repeat("a", 64) || req["unreliable_hwid"] != true {
		t.Fatalf("unexpected request: %v", req)
	}
	if _, ok := req["client_time"].(string); !ok {
		t.Fatalf("client_time missing: %v", req)
	}

	req, err = buildValidate([]string{"-key", "K", "-hwid", "0123456789ABCDEF"})
	if err != nil || req["hwid"] != "0123456789ABCDEF" || req["unreliable_hwid"] != nil {
		t.Fatalf("explicit hwid: %v %v", req, err)
	}
}

func Test_buildExtend_And_Audit(t *testing.T) {
	t.Parallel()

	if _, err := buildExtend([]string{"-key", "K", "-days", "0"}); err == nil {
		t.Fatalf("want error for zero days")
	}
	req, err := buildExtend([]string{"-key", "K", "-days", "30"})
	if err != nil || req["days"] != 30 {
		t.Fatalf("extend: %v %v", req, err)
	}
	req, err = buildAudit([]string{"-after", "10"})
	if err != nil || req["after_seq"] != 10 || req["limit"] != 100 {
		t.Fatalf("audit: %v %v", req, err)
	}
	if _, err := buildAudit([]string{"-bogus"}); err == nil {
		t.Fatalf("want error for unknown flag")
	}
}
