// Command seasetl converts seasonal forecast archives into chunked Zarr
// stores. Service settings come from the environment; the archive layout and
// fields come from a TOML recipe.
//
// Usage:
//
//	seasetl run --recipe recipes/ap84SeasRF.toml [--field t2mean] [--resume] [--no-archive]
//	seasetl plan --recipe recipes/ap84SeasRF.toml --field pr
//	seasetl prepare --recipe recipes/ap84SeasRF.toml
//	seasetl archive data/ap84SeasRF/pr.zarr
//	seasetl dates --recipe recipes/ap84SeasRF.toml
package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	recipeFlag := &cli.StringFlag{
		Name:     "recipe",
		Aliases:  []string{"r"},
		Usage:    "TOML recipe describing the archive and its fields",
		EnvVars:  []string{"RECIPE"},
		Required: true,
	}
	fieldFlag := &cli.StringSliceFlag{
		Name:    "field",
		Aliases: []string{"f"},
		Usage:   "Fields to convert (default: every field in the recipe)",
	}

	app := &cli.App{
		Name:      "seasetl",
		Usage:     "Convert seasonal forecast archives into Zarr stores",
		UsageText: "seasetl [global options] command [command options]",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Build, fill and archive one store per field",
				Flags: []cli.Flag{
					recipeFlag,
					fieldFlag,
					&cli.BoolFlag{
						Name:    "resume",
						Usage:   "Reopen existing stores and skip regions already written",
						EnvVars: []string{"RESUME"},
					},
					&cli.BoolFlag{
						Name:  "no-archive",
						Usage: "Leave finished store directories in place",
					},
				},
				Action: runCommand,
			},
			{
				Name:   "plan",
				Usage:  "Print the manifest of each field without running anything",
				Flags:  []cli.Flag{recipeFlag, fieldFlag},
				Action: planCommand,
			},
			{
				Name:   "prepare",
				Usage:  "Produce monthly, ensemble and climatology files for the recipe's prepare field",
				Flags:  []cli.Flag{recipeFlag},
				Action: prepareCommand,
			},
			{
				Name:      "archive",
				Usage:     "Archive finished store directories",
				ArgsUsage: "<store-dir>...",
				Action:    archiveCommand,
			},
			{
				Name:   "dates",
				Usage:  "List the forecast initialization dates of the archive",
				Flags:  []cli.Flag{recipeFlag},
				Action: datesCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("seasetl failed", "error", err)
		os.Exit(1)
	}
}
