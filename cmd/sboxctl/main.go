// Package main implements sboxctl, the operator CLI for sandboxd.
//
// Address and credentials come from --addr/--token flags or the
// SANDBOXD_ADDR and SANDBOXD_TOKEN environment variables.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/jgtolentino/pulser-sandboxd/internal/client"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr  string
		token string
	)

	root := &cobra.Command{
		Use:           "sboxctl",
		Short:         "Operator CLI for the sandboxd lease daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&addr, "addr", envOr("SANDBOXD_ADDR", client.DefaultAddr), "Gateway address")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("SANDBOXD_TOKEN"), "Bearer token")

	gateway := func() *client.Client { return client.New(addr, token) }

	root.AddCommand(
		newSpawnCommand(gateway),
		newListCommand(gateway),
		newStatusCommand(gateway),
		newExecCommand(gateway),
		newUploadCommand(gateway),
		newDownloadCommand(gateway),
		newTerminateCommand(gateway),
		newEgressCommand(gateway),
		newBackendsCommand(gateway),
		newWatchCommand(gateway),
		newHealthCommand(gateway),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// parseKV splits repeated key=value flag values into a map.
func parseKV(pairs []string, flag string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%s %q is not key=value", flag, kv)
		}
		m[k] = v
	}
	return m, nil
}

func newSpawnCommand(gateway func() *client.Client) *cobra.Command {
	var (
		req    types.SpawnRequest
		labels []string
	)

	cmd := &cobra.Command{
		Use:   "spawn [image]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Provision a new sandbox lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Image = strings.TrimSpace(args[0])
			}
			var err error
			if req.Labels, err = parseKV(labels, "label"); err != nil {
				return err
			}

			resp, err := gateway().Spawn(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.LeaseID)
			fmt.Fprintf(out, "image: %s\nbackend: %s\nstate: %s\nttl deadline: %s\n",
				resp.Image, resp.Backend, resp.State, resp.TTLDeadline.Local().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().Float64Var(&req.TTLHours, "ttl", 0, "Lease TTL in hours (0 uses the daemon default)")
	cmd.Flags().Float64Var(&req.IdleMinutes, "idle", 0, "Idle timeout in minutes (0 uses the daemon default)")
	cmd.Flags().BoolVar(&req.GPU, "gpu", false, "Request GPU passthrough")
	cmd.Flags().IntVar(&req.VCPU, "vcpu", 0, "Override vCPU count")
	cmd.Flags().IntVar(&req.MemoryMB, "memory", 0, "Override memory in MB")
	cmd.Flags().IntVar(&req.DiskMB, "disk", 0, "Override disk in MB")
	cmd.Flags().StringVar(&req.Requester, "requester", "", "Requester identity recorded on the lease")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "Lease label as key=value; repeat to add more")

	return cmd
}

func newListCommand(gateway func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tracked leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			leases, stats, err := gateway().List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(leases) == 0 {
				fmt.Fprintln(out, "no leases")
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LEASE\tIMAGE\tSTATE\tBACKEND\tCOST\tTTL LEFT")
			for _, l := range leases {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\t%s\n",
					l.LeaseID, l.Image, l.State, l.Backend, l.AccruedCost, ttlLeft(l, now))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\n%d total, %d active, $%.4f accrued\n",
				stats.TotalLeases, stats.ActiveLeases, stats.AccruedCost)
			return nil
		},
	}
}

func ttlLeft(l types.LeaseStatus, now time.Time) string {
	if l.State.Terminal() {
		return "-"
	}
	left := l.TTLDeadline.Sub(now)
	if left < 0 {
		return "expired"
	}
	return left.Truncate(time.Second).String()
}

func newStatusCommand(gateway func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <lease-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show one lease's full status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := gateway().Lease(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
}

func newExecCommand(gateway func() *client.Client) *cobra.Command {
	var (
		timeout  time.Duration
		workdir  string
		envPairs []string
		useStdin bool
	)

	cmd := &cobra.Command{
		Use:   "exec <lease-id> -- <command> [args...]",
		Args:  cobra.MinimumNArgs(2),
		Short: "Run a command inside a lease's VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.ExecRequest{
				Command:    args[1:],
				WorkingDir: workdir,
			}
			if timeout > 0 {
				req.TimeoutMS = timeout.Milliseconds()
			}
			var err error
			if req.Env, err = parseKV(envPairs, "env"); err != nil {
				return err
			}
			if useStdin {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				req.Stdin = string(data)
			}

			resp, err := gateway().Exec(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), resp.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), resp.Stderr)
			if resp.Truncated {
				fmt.Fprintln(cmd.ErrOrStderr(), "(output truncated)")
			}
			if resp.ExitCode != 0 {
				os.Exit(resp.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Command timeout (0 uses the daemon default)")
	cmd.Flags().StringVar(&workdir, "workdir", "", "Working directory inside the VM")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "Environment variable as key=value; repeat to add more")
	cmd.Flags().BoolVar(&useStdin, "stdin", false, "Forward stdin to the command")

	return cmd
}

func newUploadCommand(gateway func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <lease-id> <local-path> <vm-path>",
		Args:  cobra.ExactArgs(3),
		Short: "Upload a local file into a lease's VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}

			resp, err := gateway().Transfer(cmd.Context(), args[0], types.TransferRequest{
				Direction: types.TransferUpload,
				Path:      args[2],
				Content:   base64.StdEncoding.EncodeToString(data),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes -> %s\n", resp.TransferID, resp.Bytes, resp.Path)
			return nil
		},
	}
}

func newDownloadCommand(gateway func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "download <lease-id> <vm-path> [local-path]",
		Args:  cobra.RangeArgs(2, 3),
		Short: "Download a file from a lease's VM ('-' writes to stdout)",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := gateway().Transfer(cmd.Context(), args[0], types.TransferRequest{
				Direction: types.TransferDownload,
				Path:      args[1],
			})
			if err != nil {
				return err
			}

			data, err := base64.StdEncoding.DecodeString(resp.Content)
			if err != nil {
				return fmt.Errorf("decode content: %w", err)
			}

			local := filepath.Base(args[1])
			if len(args) == 3 {
				local = args[2]
			}
			if local == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(local, data, 0644); err != nil {
				return fmt.Errorf("write %s: %w", local, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d bytes -> %s\n", resp.Bytes, local)
			return nil
		},
	}
}

func newTerminateCommand(gateway func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:     "terminate <lease-id>",
		Aliases: []string{"rm", "kill"},
		Args:    cobra.ExactArgs(1),
		Short:   "Tear a lease down (safe to repeat)",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := gateway().Terminate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", status.LeaseID, status.State)
			return nil
		},
	}
}

func newEgressCommand(gateway func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "egress <lease-id> <target>",
		Args:  cobra.ExactArgs(2),
		Short: "Request an egress verdict for a lease",
		Long: "Asks the daemon whether the lease may reach the target host.\n" +
			"A denied verdict terminates the lease and exits with status 2.",
		RunE: func(cmd *cobra.Command, args []string) error {
			allowed, err := gateway().ReportEgress(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !allowed {
				fmt.Fprintln(cmd.OutOrStdout(), "denied")
				os.Exit(2)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "allowed")
			return nil
		},
	}
}

func newBackendsCommand(gateway func() *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Show backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, err := gateway().Backends(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tROLE\tSTATE\tFAILS\tLAST SUCCESS")
			for _, b := range backends {
				last := "-"
				if b.LastSuccessAt != nil {
					last = b.LastSuccessAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					b.Name, b.Role, b.State, b.ConsecutiveFailures, last)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Clear a backend's failure count and readmit it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gateway().ResetBackend(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), args[0], "healthy")
			return nil
		},
	})

	return cmd
}

func newWatchCommand(gateway func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream lease lifecycle events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			err := gateway().Watch(cmd.Context(), func(ev types.LeaseEvent) {
				line := fmt.Sprintf("%s  %-18s %s %s",
					ev.Timestamp.Local().Format("15:04:05"), ev.Type, ev.LeaseID, ev.State)
				if ev.Reason != nil {
					line += " (" + string(*ev.Reason) + ")"
				}
				fmt.Fprintln(out, line)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newHealthCommand(gateway func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := gateway().Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, doc)
		},
	}
}
