package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/fnhost/executor"
	"github.com/caffeineduck/fnhost/storage"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke [file]",
	Short: "Run a function once",
	Long: `Run a function once and print its JSON result.

The function can be provided via:
  - File argument: fnhost invoke fib.wasm -p '{"n":10}'
  - Store reference: fnhost invoke --ref fns/fib.wasm -p '{"n":10}'

The payload comes from --payload, or stdin when piped, or defaults to {}.
Guest standard output is written to stderr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().StringP("payload", "p", "", "JSON payload")
	invokeCmd.Flags().String("ref", "", "Run bucket/key from the store instead of a file")
	invokeCmd.Flags().BoolP("verbose", "v", false, "Print invocation ID and duration to stderr")
	addExecFlags(invokeCmd)
	rootCmd.AddCommand(invokeCmd)
}

func parseRef(s string) (storage.Ref, error) {
	ns, key, ok := strings.Cut(s, "/")
	if !ok || ns == "" || key == "" {
		return storage.Ref{}, fmt.Errorf("invalid reference %q (expected bucket/key)", s)
	}
	return storage.Ref{Namespace: ns, Key: key}, nil
}

func readPayload(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("payload"); p != "" {
		return p, nil
	}
	// Only read stdin when something is piped in.
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "{}", nil
		}
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	if p := strings.TrimSpace(string(data)); p != "" {
		return p, nil
	}
	return "{}", nil
}

func runInvoke(cmd *cobra.Command, args []string) error {
	refFlag, _ := cmd.Flags().GetString("ref")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if (refFlag == "") == (len(args) == 0) {
		return fmt.Errorf("provide exactly one of a file argument or --ref")
	}

	var raw []byte
	var ref storage.Ref
	if refFlag != "" {
		var err error
		if ref, err = parseRef(refFlag); err != nil {
			return err
		}
	} else {
		var err error
		if raw, err = os.ReadFile(args[0]); err != nil {
			return err
		}
	}

	payload, err := readPayload(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}
	h, err := newHost(cmd.Context(), cfg, refFlag != "", cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close()

	var res executor.Result
	if refFlag != "" {
		res = h.exec.Invoke(cmd.Context(), ref, payload)
	} else {
		res = h.exec.InvokeArtifact(cmd.Context(), raw, payload)
	}

	if verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "invocation %s took %s\n", res.ID, res.Duration)
	}
	if res.Error != nil {
		return res.Error
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Output)
	return nil
}
