package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...commands.Version=...".
var Version = "unset"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version of fabric-relayd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fabric-relayd version %s\n", Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
