package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl file",
	Short: "Interactive payload loop against one function",
	Long: `Start an interactive loop that runs a function once per payload.

Each line is a JSON payload; every run gets a fresh sandbox, so nothing
carries over between lines.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.fnhost_history)")
	addExecFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".fnhost_history")
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}
	h, err := newHost(cmd.Context(), cfg, false, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             io.NopCloser(cmd.InOrStdin()),
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "fnhost %s (type 'exit' to quit, Ctrl+D to exit)\n", filepath.Base(args[0]))

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		res := h.exec.InvokeArtifact(cmd.Context(), raw, line)
		if res.Error != nil {
			fmt.Fprintf(errOut, "Error: %v\n", res.Error)
			continue
		}
		fmt.Fprintln(out, res.Output)
	}
}
