package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/config"
)

var cfg *config.Config

// modeAnnotation selects which settings a command validates.
const modeAnnotation = "config-mode"

var rootCmd = &cobra.Command{
	Use:   "studyforge",
	Short: "Medical study content pipeline",
	Long:  "Turns uploaded lecture and textbook pages into reviewed content, resolved anatomy concepts, flashcards and questions through a staged AI pipeline.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return cfg.Validate(commandMode(cmd))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// commandMode walks up to the first command that declares a mode.
func commandMode(cmd *cobra.Command) string {
	for c := cmd; c != nil; c = c.Parent() {
		if m, ok := c.Annotations[modeAnnotation]; ok {
			return m
		}
	}
	return "cli"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
