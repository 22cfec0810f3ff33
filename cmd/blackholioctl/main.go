// Command blackholioctl is a manual smoke-testing CLI over the client
// facade: one cobra root, one subcommand per operation, nothing it
// can't already do through the library.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackholio/client-go/core"
	"github.com/blackholio/client-go/pkg/config"
	"github.com/blackholio/client-go/pkg/logging"
)

func main() {
	rootCmd := &cobra.Command{Use: "blackholioctl"}
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(identityCmd())
	if err := rootCmd.Execute(); err != nil {
		core.CaptureError(err, map[string]any{"args": os.Args[1:]})
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadClient builds a Client from process configuration, wiring the
// resolved logger into core's package logger.
func loadClient() (*core.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel})
	core.SetLogger(logger)

	format := core.FormatText
	if cfg.Protocol == "binary" {
		format = core.FormatBinary
	}

	c, err := core.New(core.Config{
		Dialect: core.DialectName(cfg.ServerLanguage),
		Addr:    cfg.Addr(),
		UseSSL:  cfg.ServerUseSSL,
		Format:  format,
		Retry: core.RetryConfig{
			Strategy:    core.RetryExponential,
			MaxAttempts: cfg.ReconnectAttempts,
			BaseDelay:   cfg.ReconnectDelay,
		},
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "connect to the configured server and report its connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := c.Connect(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "connected")
			return c.Shutdown(ctx)
		},
	}
}

func subscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe [table]",
		Short: "subscribe to a table and dump its cache once active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Shutdown(ctx)
			table := args[0]
			if err := c.Subscribe(ctx, table); err != nil {
				return err
			}
			for _, row := range c.Subscriptions().GetAll(table) {
				fmt.Fprintln(cmd.OutOrStdout(), row)
			}
			return nil
		},
	}
	return cmd
}

func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call [reducer] [json-args]",
		Short: "call a reducer with a JSON object of arguments",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Shutdown(ctx)
			reducerArgs, err := parseArgs(args)
			if err != nil {
				return err
			}
			res, err := c.CallReducer(ctx, args[0], reducerArgs, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "success=%v payload=%v\n", res.Success, res.Payload)
			return nil
		},
	}
	return cmd
}

func parseArgs(args []string) (map[string]any, error) {
	if len(args) < 2 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(args[1]), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity"}
	cmd.AddCommand(identityCreateCmd())
	return cmd
}

func identityCreateCmd() *cobra.Command {
	var dir string
	c := &cobra.Command{
		Use:   "create [name]",
		Short: "generate a new identity and save it under dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, mnemonic, err := core.NewRandomIdentity(args[0], 128)
			if err != nil {
				return err
			}
			store, err := core.NewIdentityStore(dir)
			if err != nil {
				return err
			}
			if err := store.Save(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity %s created: %s\nmnemonic: %s\n", args[0], id.IdentityID, mnemonic)
			return nil
		},
	}
	c.Flags().StringVar(&dir, "dir", "./identities", "directory to save the identity under")
	return c
}
