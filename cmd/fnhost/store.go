package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Manage buckets in the configured store",
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create name",
	Short: "Create a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		if err := store.CreateNamespace(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "bucket %s created\n", args[0])
		return nil
	},
}

var bucketDeleteCmd = &cobra.Command{
	Use:     "delete name",
	Aliases: []string{"rm"},
	Short:   "Delete an empty bucket",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		if err := store.DeleteNamespace(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "bucket %s deleted\n", args[0])
		return nil
	},
}

var bucketListCmd = &cobra.Command{
	Use:     "list name",
	Aliases: []string{"ls"},
	Short:   "List the files in a bucket",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		objects, err := store.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(objects) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No files")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSIZE")
		for _, o := range objects {
			fmt.Fprintf(tw, "%s\t%d\n", o.Key, o.Size)
		}
		return tw.Flush()
	},
}

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage files in the configured store",
}

var filePutCmd = &cobra.Command{
	Use:   "put bucket key path",
	Short: "Upload a local file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		f, err := os.Open(args[2])
		if err != nil {
			return err
		}
		defer f.Close()
		if err := store.Put(cmd.Context(), args[0], args[1], f); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "file %s uploaded to %s\n", args[1], args[0])
		return nil
	},
}

var fileGetCmd = &cobra.Command{
	Use:   "get bucket key [path]",
	Short: "Download a file to path, or to stdout",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		rc, err := store.Fetch(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		defer rc.Close()

		if len(args) == 2 {
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		}
		f, err := os.Create(args[2])
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, rc); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	},
}

var fileDeleteCmd = &cobra.Command{
	Use:     "delete bucket key",
	Aliases: []string{"rm"},
	Short:   "Delete a file",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		if err := store.Delete(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "file %s deleted from %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	bucketCmd.AddCommand(bucketCreateCmd, bucketDeleteCmd, bucketListCmd)
	fileCmd.AddCommand(filePutCmd, fileGetCmd, fileDeleteCmd)
	rootCmd.AddCommand(bucketCmd, fileCmd)
}
