package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/caffeineduck/fnhost/internal/guests"
)

// executeCommand runs root with args. Flag values persist on the package
// level commands between runs, so every flag is reset first.
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func writeGuest(t *testing.T, name string, raw []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write guest: %v", err)
	}
	return path
}

// =============================================================================
// Help
// =============================================================================

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"fnhost", "WebAssembly", "invoke", "repl", "serve", "bucket", "file", "--config"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIInvokeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "invoke", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--payload", "--ref", "--timeout", "--strategy", "--allow-host", "--memory"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("invoke help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--history", "Command history", "Line editing", "fresh sandbox"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--listen", "--strategy", "/bucket/{bucket}", "/exec/{bucket}/{key}", "/health"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLICompletionCommands(t *testing.T) {
	found := false
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "completion" {
			found = true
			break
		}
	}
	if !found {
		t.Error("completion command should exist (provided by cobra)")
	}
}

// =============================================================================
// Invoke
// =============================================================================

func TestCLIInvokeFile(t *testing.T) {
	path := writeGuest(t, "fib.wasm", guests.Fibonacci())

	output, err := executeCommand(rootCmd, "invoke", path, "-p", `{"n":10}`)
	if err != nil {
		t.Fatalf("unexpected error: %v (output %q)", err, output)
	}
	if strings.TrimSpace(output) != `{"result":144}` {
		t.Errorf("output = %q, want %q", output, `{"result":144}`)
	}
}

func TestCLIInvokeBlocking(t *testing.T) {
	path := writeGuest(t, "greeter.wasm", guests.Greeter())

	output, err := executeCommand(rootCmd, "invoke", path,
		"--strategy", "blocking", "--workers", "2", "--timeout", "5s",
		"-p", `{"name":"James"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Hello James, how are you?") {
		t.Errorf("unexpected output %q", output)
	}
}

func TestCLIInvokeDefaultPayload(t *testing.T) {
	path := writeGuest(t, "echo.wasm", guests.Echo())

	output, err := executeCommand(rootCmd, "invoke", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != "{}" {
		t.Errorf("output = %q, want {}", output)
	}
}

func TestCLIInvokeErrors(t *testing.T) {
	fib := writeGuest(t, "fib.wasm", guests.Fibonacci())
	spin := writeGuest(t, "spin.wasm", guests.Spin())

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no source", []string{"invoke"}, "exactly one"},
		{"both sources", []string{"invoke", fib, "--ref", "fns/fib.wasm"}, "exactly one"},
		{"bad ref", []string{"invoke", "--ref", "fib.wasm"}, "expected bucket/key"},
		{"missing file", []string{"invoke", filepath.Join(t.TempDir(), "nope.wasm")}, "no such file"},
		{"bad payload", []string{"invoke", fib, "-p", `{"n":`}, "payload"},
		{"bad strategy", []string{"invoke", fib, "--strategy", "threads"}, "strategy"},
		{"timeout", []string{"invoke", spin, "--timeout", "100ms"}, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			_, err := executeCommand(rootCmd, tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
			if time.Since(start) > 10*time.Second {
				t.Errorf("took %s", time.Since(start))
			}
		})
	}
}

// =============================================================================
// Store commands
// =============================================================================

func TestCLIStoreWorkflow(t *testing.T) {
	dir := t.TempDir()
	store := []string{"--storage", "local", "--storage-dir", dir}
	run := func(args ...string) string {
		t.Helper()
		output, err := executeCommand(rootCmd, append(args, store...)...)
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", args, err)
		}
		return output
	}

	run("bucket", "create", "fns")
	if out := run("bucket", "list", "fns"); !strings.Contains(out, "No files") {
		t.Errorf("expected empty listing, got %q", out)
	}

	fib := writeGuest(t, "fib.wasm", guests.Fibonacci())
	run("file", "put", "fns", "fib.wasm", fib)

	if out := run("bucket", "ls", "fns"); !strings.Contains(out, "fib.wasm") {
		t.Errorf("listing should contain fib.wasm, got %q", out)
	}

	out := run("invoke", "--ref", "fns/fib.wasm", "-p", `{"n":0}`)
	if strings.TrimSpace(out) != `{"result":1}` {
		t.Errorf("invoke --ref = %q", out)
	}

	dest := filepath.Join(t.TempDir(), "copy.wasm")
	run("file", "get", "fns", "fib.wasm", dest)
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(got, guests.Fibonacci()) {
		t.Error("downloaded file differs from upload")
	}

	if _, err := executeCommand(rootCmd, append([]string{"bucket", "delete", "fns"}, store...)...); err == nil {
		t.Error("deleting a non-empty bucket should fail")
	}

	run("file", "rm", "fns", "fib.wasm")
	run("bucket", "rm", "fns")

	if _, err := executeCommand(rootCmd, append([]string{"invoke", "--ref", "fns/fib.wasm"}, store...)...); err == nil {
		t.Error("invoking a deleted function should fail")
	}
}

// =============================================================================
// Config
// =============================================================================

func TestCLIFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fnhost.yaml")
	if err := os.WriteFile(path, []byte("strategy: blocking\ntimeout: 1s\nlisten: \":9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	resetFlags(rootCmd)
	if err := serveCmd.ParseFlags([]string{"--config", path, "--timeout", "3s", "--allow-host", "api.example.com"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := loadConfig(serveCmd, false)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Strategy != "blocking" {
		t.Errorf("strategy = %q, want blocking from file", cfg.Strategy)
	}
	if cfg.Timeout != 3*time.Second {
		t.Errorf("timeout = %s, want 3s from flag", cfg.Timeout)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("listen = %q, want :9000", cfg.Listen)
	}
	if !cfg.Network.Enabled || len(cfg.Network.HTTP.AllowedHosts) != 1 {
		t.Errorf("allow-host should enable network, got %+v", cfg.Network)
	}
}

func TestCLIParseRef(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"fns/fib.wasm", false},
		{"fns/lib/fib.wasm", false},
		{"fib.wasm", true},
		{"/fib.wasm", true},
		{"fns/", true},
	}

	for _, tc := range tests {
		_, err := parseRef(tc.in)
		if tc.wantErr && err == nil {
			t.Errorf("parseRef(%q) should error", tc.in)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("parseRef(%q) unexpected error: %v", tc.in, err)
		}
	}
}
