package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execTool(t *testing.T, regName string, root string, args string) (string, error) {
	t.Helper()
	for _, reg := range All(Options{Root: root, AllowShell: true}) {
		if reg.Descriptor.Name == regName {
			out, err := reg.Tool.Execute(context.Background(), json.RawMessage(args))
			if err != nil {
				return "", err
			}
			return out.Content, nil
		}
	}
	t.Fatalf("tool %q not registered", regName)
	return "", nil
}

func TestAllRegistersExpectedTools(t *testing.T) {
	names := map[string]bool{}
	for _, reg := range All(Options{}) {
		names[reg.Descriptor.Name] = true
	}
	for _, want := range []string{"read_file", "list_dir", "write_file", "http_fetch", "current_time"} {
		if !names[want] {
			t.Errorf("missing %q", want)
		}
	}
	if names["shell"] {
		t.Error("shell must be opt-in")
	}
	if len(All(Options{AllowShell: true})) != len(All(Options{}))+1 {
		t.Error("AllowShell should add exactly the shell tool")
	}
}

func TestFileToolsRoundTrip(t *testing.T) {
	root := t.TempDir()

	out, err := execTool(t, "write_file", root, `{"path":"notes/plan.txt","content":"step one"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "notes/plan.txt") {
		t.Errorf("write output = %q", out)
	}

	out, err = execTool(t, "read_file", root, `{"path":"notes/plan.txt"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "step one" {
		t.Errorf("read = %q", out)
	}

	out, err = execTool(t, "list_dir", root, `{"path":"notes"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "plan.txt" {
		t.Errorf("list = %q", out)
	}
}

func TestResolvePathRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if _, err := execTool(t, "read_file", root, `{"path":"../../etc/passwd"}`); err == nil {
		t.Error("traversal should be rejected")
	}
	if _, err := execTool(t, "write_file", root, `{"path":"../out.txt","content":"x"}`); err == nil {
		t.Error("traversal write should be rejected")
	}
}

func TestReadFileTruncatesLargeContent(t *testing.T) {
	root := t.TempDir()
	big := strings.Repeat("a", maxReadBytes+100)
	if err := os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execTool(t, "read_file", root, `{"path":"big.txt"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, "[truncated]") {
		t.Error("large read should be truncated")
	}
}

func TestValidateCommand(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"ls", true},
		{"go", true},
		{"./script.sh", true},
		{"/usr/bin/env", true},
		{"", false},
		{"ls; rm -rf /", false},
		{"cat file | grep x", false},
		{"echo `id`", false},
		{"ls\nrm", false},
		{"-rf", false},
		{"name with space", false},
	}
	for _, tc := range cases {
		_, err := validateCommand(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("validateCommand(%q) err = %v, want ok=%v", tc.in, err, tc.ok)
		}
	}
}

func TestShellCapturesExitStatus(t *testing.T) {
	root := t.TempDir()
	out, err := execTool(t, "shell", root, `{"command":"sh","args":["-c","echo hi; exit 3"]}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "hi") || !strings.Contains(out, "exit status 3") {
		t.Errorf("shell output = %q", out)
	}
}

func TestFetchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("hello from server"))
	}))
	defer srv.Close()

	out, err := execTool(t, "http_fetch", "", `{"url":"`+srv.URL+`"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello from server" {
		t.Errorf("fetch = %q", out)
	}

	if _, err := execTool(t, "http_fetch", "", `{"url":"`+srv.URL+`/missing"}`); err == nil {
		t.Error("404 should surface as an error")
	}
	if _, err := execTool(t, "http_fetch", "", `{"url":"ftp://example.com/x"}`); err == nil {
		t.Error("non-http scheme should be rejected")
	}
}

func TestTimeTool(t *testing.T) {
	out, err := execTool(t, "current_time", "", `{"timezone":"UTC"}`)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		ISO      string `json:"iso"`
		Unix     int64  `json:"unix"`
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if got.Timezone != "UTC" || got.Unix == 0 || got.ISO == "" {
		t.Errorf("time = %+v", got)
	}
	if _, err := execTool(t, "current_time", "", `{"timezone":"Mars/Olympus"}`); err == nil {
		t.Error("unknown timezone should error")
	}
}
