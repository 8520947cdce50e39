package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/stanstork/stratum-exchange/cmd/exchangectl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configFlag := &cli.StringFlag{
		Name:  "config",
		Usage: "directory holding config.yaml and .env",
		Value: ".",
	}
	idFlag := &cli.StringFlag{
		Name:     "id",
		Usage:    "data job id",
		Required: true,
	}
	collectionFlag := &cli.StringFlag{
		Name:     "collection",
		Usage:    "collection or table name",
		Required: true,
	}
	formatFlag := &cli.StringFlag{
		Name:  "format",
		Usage: "file format (json/csv)",
		Value: "json",
	}
	mappingFlag := &cli.StringSliceFlag{
		Name:  "mapping",
		Usage: "rename a field as stored=exported, repeatable",
	}

	app := &cli.Command{
		Name:  "exchangectl",
		Usage: "run data import and export jobs",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:  "export",
				Usage: "export a collection to a file",
				Flags: []cli.Flag{
					collectionFlag,
					formatFlag,
					mappingFlag,
					&cli.StringFlag{
						Name:  "query",
						Usage: `filter as a JSON object, e.g. {"age":{"operator":">","value":30}}`,
					},
				},
				Action: commands.ExportAction,
			},
			{
				Name:  "import",
				Usage: "import a file into a collection",
				Flags: []cli.Flag{
					collectionFlag,
					formatFlag,
					mappingFlag,
					&cli.StringFlag{
						Name:     "source",
						Usage:    "URL or key of the file in blob storage",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "field-type",
						Usage: "convert a field as name=string|number|boolean|timestamp, repeatable",
					},
				},
				Action: commands.ImportAction,
			},
			{
				Name:   "run",
				Usage:  "execute a pending or failed job",
				Flags:  []cli.Flag{idFlag},
				Action: commands.RunAction,
			},
			{
				Name:  "list",
				Usage: "list data jobs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "filter by type (import/export)"},
					&cli.StringFlag{Name: "status", Usage: "filter by status"},
					&cli.StringFlag{Name: "collection", Usage: "filter by collection"},
					&cli.StringFlag{Name: "created-by", Usage: "filter by creator"},
					&cli.IntFlag{Name: "limit", Usage: "page size", Value: 20},
					&cli.IntFlag{Name: "offset", Usage: "page offset"},
					&cli.StringFlag{Name: "order", Usage: "creation order (asc/desc)", Value: "desc"},
				},
				Action: commands.ListAction,
			},
			{
				Name:   "show",
				Usage:  "show one data job",
				Flags:  []cli.Flag{idFlag},
				Action: commands.ShowAction,
			},
			{
				Name:   "cancel",
				Usage:  "cancel a pending or running job",
				Flags:  []cli.Flag{idFlag},
				Action: commands.CancelAction,
			},
			{
				Name:   "delete",
				Usage:  "delete a job and its exported file",
				Flags:  []cli.Flag{idFlag},
				Action: commands.DeleteAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
