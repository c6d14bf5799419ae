package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/strand/internal/sessions"
)

func buildSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default strand.yaml)")

	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore(configPath)
			if err != nil {
				return err
			}
			doc, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore(configPath)
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(showCmd, deleteCmd)
	return cmd
}

func openSessionStore(configPath string) (sessions.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	store, err := buildSessionStore(cfg.Sessions)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("session persistence is disabled; set sessions.backend in the config")
	}
	return store, nil
}
