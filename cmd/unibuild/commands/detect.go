package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/unibuild/unibuild/pkg/engine"
)

func newDetectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect [path]",
		Short: "Detect projects without building them",
		Long: `Scan a directory tree and list every project found in it, with its
language, framework, confidence and applicable operations.`,
		Example: `  # Detect projects in the current directory
  unibuild detect

  # Machine readable output
  unibuild detect --json ./monorepo`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := rootArg(args)
			if err != nil {
				return err
			}

			rt, err := setup(cmd.Context(), setupOptions{root: root})
			if err != nil {
				return err
			}
			defer rt.close()

			detector := engine.NewDetector(rt.cfg.LanguageTable(), rt.cfg.DetectorOptions(), rt.logger)
			result, err := detector.Detect(cmd.Context(), root)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}
			renderDetection(cmd.OutOrStdout(), result)
			return nil
		},
	}

	return cmd
}

// rootArg returns the absolute scan root named by args, or the working
// directory.
func rootArg(args []string) (string, error) {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	return abs, nil
}
