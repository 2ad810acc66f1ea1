package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agusx1211/waverun/internal/graphfile"
	"github.com/agusx1211/waverun/internal/task"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect task graph files",
}

var graphValidateCmd = &cobra.Command{
	Use:   "validate <graph-file>",
	Short: "Validate a task graph file",
	Long: `Parse a YAML or JSON task graph and check it: unique non-empty ids,
known categories, dependencies that point at earlier waves only.`,
	Args: cobra.ExactArgs(1),
	RunE: runGraphValidate,
}

func init() {
	graphCmd.AddCommand(graphValidateCmd)
	rootCmd.AddCommand(graphCmd)
}

func runGraphValidate(cmd *cobra.Command, args []string) error {
	tasks, err := graphfile.Load(args[0])
	if err != nil {
		return err
	}
	waves := task.Waves(tasks)
	fmt.Printf("%s%s is valid%s: %d task(s) across %d wave(s)\n",
		styleBoldGreen, args[0], colorReset, len(tasks), len(waves))
	for _, wave := range waves {
		if len(wave) == 0 {
			continue
		}
		fmt.Printf("  wave %d: ", wave[0].Wave)
		for i, t := range wave {
			if i > 0 {
				fmt.Print(", ")
			}
			fmt.Printf("%s %s(%s)%s", t.ID, colorDim, t.Category, colorReset)
		}
		fmt.Println()
	}
	return nil
}
