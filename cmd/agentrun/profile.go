package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage credential profiles for the agent engine",
	}
	cmd.AddCommand(newProfileListCmd())
	cmd.AddCommand(newProfileAddCmd())
	cmd.AddCommand(newProfileUseCmd())
	cmd.AddCommand(newProfileRemoveCmd())
	cmd.AddCommand(newProfileTokenCmd())
	cmd.AddCommand(newProfileCheckCmd())
	return cmd
}

func newProfileCheckCmd() *cobra.Command {
	var usage float64
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether the active profile should be switched before it rate-limits",
		Long: "Runs the availability scoring against the current usage fraction. " +
			"Prints a recommendation; when proactive switching is enabled in the " +
			"settings, the switch is performed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			active, err := a.profiles.Active(ctx)
			if err != nil {
				return err
			}
			rec, err := a.profiles.CheckProactive(ctx, active.ID, usage)
			if err != nil {
				return err
			}

			if !rec.ShouldSwitch {
				if rec.Reason != "" {
					fmt.Printf("staying on %s: %s\n", active.Name, rec.Reason)
				} else {
					fmt.Printf("staying on %s\n", active.Name)
				}
				return nil
			}

			settings, err := a.profiles.Settings(ctx)
			if err != nil {
				return err
			}
			if !settings.ProactiveSwitch {
				fmt.Printf("recommend switching %s -> %s (%s); proactive switching is disabled, not acting\n",
					active.Name, rec.Target.Name, rec.Reason)
				return nil
			}
			if err := a.profiles.SetActive(ctx, rec.Target.ID); err != nil {
				return err
			}
			fmt.Printf("switched %s -> %s (%s)\n", active.Name, rec.Target.Name, rec.Reason)
			return nil
		},
	}
	cmd.Flags().Float64Var(&usage, "usage", 0, "fraction of the active profile's quota consumed, in [0,1]")
	return cmd
}

func newProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			profiles, err := a.profiles.List(ctx)
			if err != nil {
				return err
			}
			active, err := a.profiles.Active(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tCREDENTIAL\tLAST USED\tRATE LIMITED")
			now := time.Now()
			for _, p := range profiles {
				mark := ""
				if p.ID == active.ID {
					mark = "*"
				}
				cred := "missing"
				if a.profiles.HasCredential(ctx, p) {
					cred = "ok"
				}
				lastUsed := "never"
				if p.LastUsedAt != nil {
					lastUsed = p.LastUsedAt.Local().Format(time.RFC3339)
				}
				limited := ""
				if p.RateLimitedAt(now) {
					limited = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, mark, cred, lastUsed, limited)
			}
			return w.Flush()
		},
	}
}

func newProfileAddCmd() *cobra.Command {
	var email, dir string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.profiles.Create(ctx, args[0], dir, email)
			if err != nil {
				return err
			}
			fmt.Printf("created profile %s (%s)\n", p.Name, p.ID)
			fmt.Printf("config dir: %s\n", p.ConfigDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (informational)")
	cmd.Flags().StringVar(&dir, "config-dir", "", "engine config directory (default under the profiles base dir)")
	return cmd
}

func newProfileUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Activate a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.profiles.SetActive(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("active profile: %s\n", args[0])
			return nil
		},
	}
}

func newProfileRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.profiles.Delete(ctx, args[0])
		},
	}
}

func newProfileTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <id>",
		Short: "Set a profile's credential token (read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprint(os.Stderr, "token: ")
			reader := bufio.NewReader(os.Stdin)
			token, err := reader.ReadString('\n')
			if err != nil && token == "" {
				return fmt.Errorf("read token: %w", err)
			}
			if err := a.profiles.SetToken(ctx, args[0], strings.TrimSpace(token)); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "token stored")
			return nil
		},
	}
}
