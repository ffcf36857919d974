package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"otad/pkg/firmware"
	"otad/services/otactl"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server  string
	timeout time.Duration
	out     io.Writer
}

func (o *options) client() (*otactl.Client, error) {
	return otactl.NewClient(o.server, nil)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &options{out: out}

	server := os.Getenv("OTA_SERVER")
	if server == "" {
		server = defaultServer
	}

	cmd := &cobra.Command{
		Use:           "otactl",
		Short:         "Manage firmware published by an otad server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "Base URL of the otad server")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Overall deadline for the command")

	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newFirmwareCommand(opts))
	cmd.AddCommand(newBundleCommand(opts))
	return cmd
}

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or publish the firmware descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the published descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			desc, err := client.GetConfig(ctx)
			if err != nil {
				return err
			}
			return printJSON(opts.out, desc)
		},
	})

	var (
		version     string
		link        string
		description string
		force       bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Publish a new descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			in := firmware.DescriptorInput{Version: version, URL: link}
			if cmd.Flags().Changed("description") {
				in.Description = &description
			}
			if cmd.Flags().Changed("force") {
				in.Force = &force
			}
			desc, err := client.SaveConfig(ctx, in)
			if err != nil {
				return err
			}
			return printJSON(opts.out, desc)
		},
	}
	set.Flags().StringVar(&version, "version", "", "Firmware version string")
	set.Flags().StringVar(&link, "url", "", "Absolute download URL of the firmware image")
	set.Flags().StringVar(&description, "description", "", "Release notes")
	set.Flags().BoolVar(&force, "force", false, "Require devices to update")
	_ = set.MarkFlagRequired("version")
	_ = set.MarkFlagRequired("url")
	cmd.AddCommand(set)

	return cmd
}

func newFirmwareCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firmware",
		Short: "List, push and remove firmware images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored images, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			files, err := client.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED\tURL")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", f.Name, f.Size, f.ModifiedAt.Local().Format(time.RFC3339), f.URL)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "push FILE...",
		Short: "Upload firmware images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			for _, p := range args {
				res, err := pushPath(ctx, client, p)
				if err != nil {
					return fmt.Errorf("push %s: %w", p, err)
				}
				fmt.Fprintf(opts.out, "%s\t%d\t%s\t%s\n", res.Filename, res.Size, res.SHA256, res.URL)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm NAME",
		Short: "Remove a stored image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if err := client.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "removed %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newBundleCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Offline bundle build and import operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var dir, output string
	build := &cobra.Command{
		Use:   "build",
		Short: "Pack a firmware directory into a tar.zst bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			_, err := otactl.Build(ctx, otactl.BuildConfig{Dir: dir, Output: output, Stdout: opts.out})
			return err
		},
	}
	build.Flags().StringVar(&dir, "dir", "", "Directory holding version.json and .bin images")
	build.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = build.MarkFlagRequired("dir")
	_ = build.MarkFlagRequired("output")

	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Verify a bundle and publish its contents to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			_, err = otactl.Import(ctx, otactl.ImportConfig{BundlePath: file, Client: client, Stdout: opts.out})
			return err
		},
	}
	imp.Flags().StringVar(&file, "file", "", "Path to the bundle tar.zst")
	_ = imp.MarkFlagRequired("file")

	cmd.AddCommand(build, imp)
	return cmd
}

func pushPath(ctx context.Context, client *otactl.Client, p string) (otactl.Uploaded, error) {
	f, err := os.Open(p)
	if err != nil {
		return otactl.Uploaded{}, err
	}
	defer f.Close()
	return client.Push(ctx, p, f)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
