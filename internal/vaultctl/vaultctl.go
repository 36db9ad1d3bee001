// Package vaultctl implements the operator commands: anomaly scan, audit and
// conversation retention, audit rollups and local test tokens. Everything
// except token runs under a system scope against the configured backend.
package vaultctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/anomaly"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/auth"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/config"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/maintenance"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/repomanager"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

var ErrUsage = errors.New("invalid usage")

// Env is what every command runs against. Manager is optional; when nil the
// backend named by Config is opened and closed around the command.
type Env struct {
	Config  *config.Config
	Manager repomanager.Manager
	Logger  logging.Logger
}

// NewRootCommand creates the vaultctl command tree.
func NewRootCommand(env *Env) *cobra.Command {
	if env.Logger == nil {
		env.Logger = logging.NewJSONLogger(os.Stderr, env.Config.LogLevel)
	}

	cmd := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operator tooling for the tenant vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newScanCommand(env))
	cmd.AddCommand(newPurgeCommand(env))
	cmd.AddCommand(newRollupCommand(env))
	cmd.AddCommand(newTokenCommand(env))

	return cmd
}

// withGuard opens what a privileged command needs and tears it down after fn.
func (env *Env) withGuard(ctx context.Context, fn func(*isolation.Guard, *audit.Recorder) error) error {
	m := env.Manager
	if m == nil {
		opened, err := server.OpenManager(ctx, env.Config)
		if err != nil {
			return err
		}
		defer opened.Close()
		m = opened
	}
	recorder, err := audit.NewRecorder(m, env.Logger, audit.Options{
		Retention: env.Config.AuditRetention,
		HashKey:   env.Config.AuditHashKey,
	})
	if err != nil {
		return err
	}
	defer recorder.Close()
	return fn(isolation.NewGuard(m, recorder, env.Logger, nil), recorder)
}

func newScanCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one anomaly scan over the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withGuard(cmd.Context(), func(guard *isolation.Guard, _ *audit.Recorder) error {
				d := anomaly.NewDetector(guard, env.Logger, anomaly.Options{
					RapidFireThreshold:  env.Config.RapidFireThreshold,
					BulkAccessThreshold: env.Config.BulkAccessThreshold,
				})
				report, err := d.Scan(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(report.Flagged) == 0 {
					fmt.Fprintln(out, "no suspicious activity")
					return nil
				}
				for reason, n := range report.Flagged {
					fmt.Fprintf(out, "%s: %d rows flagged, principals: %s\n",
						reason, n, strings.Join(report.Principals[reason], ", "))
				}
				return nil
			})
		},
	}
}

func newPurgeCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Apply audit and conversation retention once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withGuard(cmd.Context(), func(guard *isolation.Guard, recorder *audit.Recorder) error {
				report, err := maintenance.NewRunner(guard, recorder, env.Logger, 0).RunOnce(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "audit rows purged: %d\nmessages expired: %d\nowners processed: %d\n",
					report.AuditPurged, report.MessagesPurged, report.Owners)
				return err
			})
		},
	}
}

func newRollupCommand(env *Env) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Summarise audit rows per principal, table, operation and day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("%w: --days must be positive", ErrUsage)
			}
			return env.withGuard(cmd.Context(), func(_ *isolation.Guard, recorder *audit.Recorder) error {
				scope := principal.BindSystem("vaultctl")
				defer scope.Release()

				to := time.Now().UTC()
				rows, err := recorder.Rollup(cmd.Context(), scope, to.AddDate(0, 0, -days), to)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "DAY\tPRINCIPAL\tTABLE\tOPERATION\tCOUNT")
				for _, r := range rows {
					who := "system"
					if r.PrincipalID != nil {
						who = *r.PrincipalID
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", r.Day.Format(time.DateOnly), who, r.TableName, r.Operation, r.Count)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of trailing days to summarise")
	return cmd
}

func newTokenCommand(env *Env) *cobra.Command {
	var (
		user string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(user) == "" {
				return fmt.Errorf("%w: --user is required", ErrUsage)
			}
			out := cmd.OutOrStdout()

			fmt.Fprint(out, "Signing secret (empty for configured): ")
			secret, err := readPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(out)
			if err != nil {
				return err
			}
			if len(secret) == 0 {
				secret = []byte(env.Config.SecretKey)
			}

			tok, err := auth.GenerateToken(user, role, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id the token is issued for")
	cmd.Flags().StringVar(&role, "role", "", "optional role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token validity")
	return cmd
}
