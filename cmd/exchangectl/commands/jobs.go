package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/stanstork/stratum-exchange/internal/models"
)

func ListAction(ctx context.Context, cmd *cli.Command) error {
	opts := models.ListOptions{
		Collection:       cmd.String("collection"),
		CreatedBy:        cmd.String("created-by"),
		Limit:            cmd.Int("limit"),
		Offset:           cmd.Int("offset"),
		OrderByCreatedAt: models.SortOrder(cmd.String("order")),
	}
	if v := cmd.String("type"); v != "" {
		t := models.DataJobType(v)
		opts.Type = &t
	}
	if v := cmd.String("status"); v != "" {
		s := models.DataJobStatus(v)
		opts.Status = &s
	}

	app, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.Orchestrator.GetDataJobs(ctx, opts)
	if err != nil {
		return err
	}
	return app.print(result)
}

func ShowAction(ctx context.Context, cmd *cli.Command) error {
	app, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.printJob(ctx, cmd.String("id"))
}

func CancelAction(ctx context.Context, cmd *cli.Command) error {
	app, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	id := cmd.String("id")
	job, err := app.Orchestrator.CancelDataJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return app.print(job)
}

func DeleteAction(ctx context.Context, cmd *cli.Command) error {
	app, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	id := cmd.String("id")
	if err := app.Orchestrator.DeleteDataJob(ctx, id); err != nil {
		return err
	}
	app.Logger.Info().Str("job_id", id).Msg("data job deleted")
	return nil
}
