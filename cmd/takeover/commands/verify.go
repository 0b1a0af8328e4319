package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
	appfsm "github.com/takeover-io/takeover/pkg/fsm"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file> [digest]",
	Short: "Print a file's digest or check it against an expected one",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	path := args[0]

	if len(args) == 1 {
		algo := checksum.Algorithm(viper.GetString("digest-algorithm"))
		d, err := checksum.ComputeFile(path, algo)
		if err != nil {
			return errors.Wrap(err, "digest failed")
		}
		fmt.Printf("%s  %s\n", d, path)
		return nil
	}

	expected, err := checksum.ParseDigest(args[1])
	if err != nil {
		return usageError(err)
	}
	if err := checksum.VerifyFile(path, expected); err != nil {
		if checksum.IsIntegrityError(err) {
			return &exitError{code: appfsm.ExitFatal, err: err}
		}
		return err
	}
	fmt.Printf("%s: OK\n", path)
	return nil
}
