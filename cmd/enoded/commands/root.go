package commands

import (
	"github.com/spf13/cobra"

	"github.com/enodenetwork/enoded/src/config"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for enoded
var RootCmd = &cobra.Command{
	Use:              "enoded",
	Short:            "enoded service-node daemon",
	TraverseChildren: true,
}
