package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/haatos/releaseci/internal/service"
	"github.com/haatos/releaseci/internal/signing"
	"github.com/spf13/cobra"
)

var regenerateYes bool

func init() {
	regenerateCmd.Flags().BoolVarP(
		&regenerateYes, "yes", "y", false,
		"skip the interactive confirmation",
	)
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <lane>",
	Short: "Revoke and reissue the signing identity for a lane",
	Long: `Revoke every signing identity the authority holds for the lane's app
identifier and distribution, then issue and store a fresh one. Devices
provisioned against the old identity stop working.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()
		defer a.releaseSvc.ShutdownAll()

		lane, ok := a.releaseSvc.Lanes()[args[0]]
		if !ok {
			return &service.UnknownLaneError{Lane: args[0]}
		}

		if !regenerateYes {
			fmt.Printf(
				"This revokes all identities for %s/%s. Type the app identifier to confirm: ",
				lane.AppIdentifier, lane.Distribution,
			)
			scanner := bufio.NewScanner(os.Stdin)
			if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != lane.AppIdentifier {
				fmt.Println("aborted")
				return nil
			}
		}

		token, err := a.tokenBroker.Token(cmd.Context())
		if err != nil {
			return err
		}
		identity, err := a.synchronizer.Regenerate(
			cmd.Context(),
			lane.AppIdentifier,
			signing.Distribution(lane.Distribution),
			token,
		)
		if err != nil {
			return err
		}
		fmt.Printf("issued identity %s (profile %s)\n", identity.Identifier, identity.ProfileName)
		return nil
	},
}
