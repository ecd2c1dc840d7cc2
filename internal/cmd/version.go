package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		info := versionOutput()
		if jsonOutput {
			return writeJSONOut(os.Stdout, info)
		}
		_, _ = fmt.Fprintf(os.Stdout, "%s %s (commit %s, built %s, %s)\n",
			info.Name, info.Version, info.Commit, info.BuildDate, info.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

type versionReport struct {
	Name string `json:"name"`
	VersionInfo
	GoVersion string `json:"go_version"`
	Crucible  string `json:"crucible,omitempty"`
	Gofulmen  string `json:"gofulmen,omitempty"`
}

func versionOutput() versionReport {
	name := "coverscan"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		name = id.BinaryName
	}
	v := crucible.GetVersion()
	return versionReport{
		Name:        name,
		VersionInfo: versionInfo,
		GoVersion:   runtime.Version(),
		Crucible:    v.Crucible,
		Gofulmen:    v.Gofulmen,
	}
}
