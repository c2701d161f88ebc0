// Package taskstate implements the `taskstate` sub-command for inspecting
// task checkpoints and resuming tasks paused after a reverted removal.
package taskstate

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/restakefi/keyguard/checkpoint"
	cmdCommon "github.com/restakefi/keyguard/cmd/common"
	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/config"
)

const commandTimeout = 30 * time.Second

var (
	// Path to the configuration file.
	configFile string

	taskStateCmd = &cobra.Command{
		Use:   "taskstate",
		Short: "Inspect and change task checkpoints",
	}

	listCmd = &cobra.Command{
		Use:          "list",
		SilenceUsage: true,
		Short:        "List all task checkpoints",
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(ctx context.Context, store *checkpoint.Store) error {
				return List(ctx, cmd.OutOrStdout(), store)
			})
		},
	}

	pauseCmd = &cobra.Command{
		Use:          "pause <chain_id> <operator_registry> <task>",
		SilenceUsage: true,
		Short:        "Pause a task for one restaking token",
		Args:         cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			key, err := ParseTaskKey(args)
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, store *checkpoint.Store) error {
				return store.Pause(ctx, key)
			})
		},
	}

	resumeCmd = &cobra.Command{
		Use:          "resume <chain_id> <operator_registry> <task>",
		SilenceUsage: true,
		Short:        "Resume a paused task for one restaking token",
		Args:         cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			key, err := ParseTaskKey(args)
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, store *checkpoint.Store) error {
				return store.Resume(ctx, key)
			})
		},
	}
)

func withStore(fn func(ctx context.Context, store *checkpoint.Store) error) error {
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		return err
	}
	if err = cmdCommon.Init(cfg); err != nil {
		return err
	}
	if cfg.Daemon == nil {
		return fmt.Errorf("daemon config not provided")
	}
	logger := cmdCommon.RootLogger().WithModule("taskstate")

	db, err := cmdCommon.NewStorage(cfg.Daemon.Storage, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return fn(ctx, checkpoint.NewStore(db, logger))
}

// ParseTaskKey parses the <chain_id> <operator_registry> <task> arguments.
func ParseTaskKey(args []string) (common.TaskKey, error) {
	if len(args) != 3 {
		return common.TaskKey{}, fmt.Errorf("expected 3 arguments, got %d", len(args))
	}
	chainID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return common.TaskKey{}, fmt.Errorf("malformed chain id '%s': %w", args[0], err)
	}
	if !ethCommon.IsHexAddress(args[1]) {
		return common.TaskKey{}, fmt.Errorf("malformed operator registry '%s'", args[1])
	}
	task := common.TaskKind(args[2])
	if err := task.Validate(); err != nil {
		return common.TaskKey{}, err
	}
	return common.TaskKey{
		ChainID:  common.ChainID(chainID),
		Registry: ethCommon.HexToAddress(args[1]),
		Task:     task,
	}, nil
}

// List writes every checkpoint as a table.
func List(ctx context.Context, w io.Writer, store *checkpoint.Store) error {
	states, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN\tREGISTRY\tTASK\tSTATUS\tLAST BLOCK\tUPDATED")
	for _, s := range states {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			s.ChainID, s.Registry.Hex(), s.Task, s.Status, s.LastBlockNumber, s.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

// Register registers the taskstate sub-command.
func Register(parentCmd *cobra.Command) {
	taskStateCmd.PersistentFlags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	taskStateCmd.AddCommand(listCmd, pauseCmd, resumeCmd)
	parentCmd.AddCommand(taskStateCmd)
}
