package main

import (
	"fmt"

	"github.com/haatos/releaseci/internal/signing"
	"github.com/spf13/cobra"
)

var bootstrapSync bool

func init() {
	bootstrapCmd.Flags().BoolVar(
		&bootstrapSync, "sync", false,
		"synchronize signing material for every lane after preparing the store",
	)
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Prepare the canonical signing store layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(bootstrapSync)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.synchronizer.Bootstrap(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("signing store layout prepared")

		if !bootstrapSync {
			return nil
		}

		token, err := a.tokenBroker.Token(cmd.Context())
		if err != nil {
			return err
		}
		for name, lane := range a.releaseSvc.Lanes() {
			identity, err := a.synchronizer.Sync(
				cmd.Context(),
				lane.AppIdentifier,
				signing.Distribution(lane.Distribution),
				token,
			)
			if err != nil {
				return fmt.Errorf("lane %s: %w", name, err)
			}
			fmt.Printf("lane %s: identity %s in place\n", name, identity.Identifier)
		}
		return nil
	},
}
