package commands

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/stanstork/stratum-exchange/internal/engine"
	"github.com/stanstork/stratum-exchange/internal/models"
)

// ExportAction exports a collection and prints the finished job.
func ExportAction(ctx context.Context, cmd *cli.Command) error {
	query, err := parseQuery(cmd.String("query"))
	if err != nil {
		return err
	}
	mappings, err := parsePairs("mapping", cmd.StringSlice("mapping"))
	if err != nil {
		return err
	}

	app, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	id, runErr := app.Orchestrator.ExportData(ctx, engine.ExportParams{
		Collection: cmd.String("collection"),
		Format:     models.DataFormat(cmd.String("format")),
		Query:      query,
		Mappings:   mappings,
	})
	return finish(ctx, app, id, runErr)
}

// ImportAction imports a file into a collection and prints the finished job.
func ImportAction(ctx context.Context, cmd *cli.Command) error {
	mappings, err := parsePairs("mapping", cmd.StringSlice("mapping"))
	if err != nil {
		return err
	}
	fieldTypes, err := parseFieldTypes(cmd.StringSlice("field-type"))
	if err != nil {
		return err
	}

	app, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	id, runErr := app.Orchestrator.ImportData(ctx, engine.ImportParams{
		Collection: cmd.String("collection"),
		Format:     models.DataFormat(cmd.String("format")),
		SourceURL:  cmd.String("source"),
		Mappings:   mappings,
		FieldTypes: fieldTypes,
	})
	return finish(ctx, app, id, runErr)
}

// RunAction executes an existing pending or failed job.
func RunAction(ctx context.Context, cmd *cli.Command) error {
	app, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	id := cmd.String("id")
	return finish(ctx, app, id, app.Orchestrator.Execute(ctx, id))
}

// finish prints the job when one was created and returns the run error.
func finish(ctx context.Context, app *AppContext, id string, runErr error) error {
	if id != "" {
		if err := app.printJob(context.WithoutCancel(ctx), id); err != nil && runErr == nil {
			return err
		}
	}
	return runErr
}
