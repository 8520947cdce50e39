// Package commands implements the exchangectl subcommands. Each one runs
// the engine in-process and prints jobs as JSON.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/stanstork/stratum-exchange/internal/bootstrap"
	"github.com/stanstork/stratum-exchange/internal/config"
	"github.com/stanstork/stratum-exchange/internal/models"
)

// AppContext is the engine stack shared by one command invocation.
type AppContext struct {
	*bootstrap.Stack
	Out    io.Writer
	Logger zerolog.Logger
}

// NewAppContext loads configuration from the --config directory and builds
// the engine stack.
func NewAppContext(ctx context.Context, cmd *cli.Command) (*AppContext, error) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	cfg, err := config.LoadFrom(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	stack, err := bootstrap.Build(ctx, cfg, true, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	return &AppContext{Stack: stack, Out: cmd.Root().Writer, Logger: logger}, nil
}

func (a *AppContext) Close() {
	a.Stack.Close(context.Background())
}

func (a *AppContext) print(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJob prints the current state of id, which is how a command reports
// the outcome of a run.
func (a *AppContext) printJob(ctx context.Context, id string) error {
	job, err := a.Orchestrator.GetDataJobByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return a.print(job)
}

// parsePairs turns repeated key=value flags into a map.
func parsePairs(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		key, val, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--%s expects key=value, got %q", flag, v)
		}
		out[key] = val
	}
	return out, nil
}

func parseFieldTypes(values []string) (map[string]models.FieldType, error) {
	pairs, err := parsePairs("field-type", values)
	if err != nil || pairs == nil {
		return nil, err
	}
	out := make(map[string]models.FieldType, len(pairs))
	for field, typ := range pairs {
		out[field] = models.FieldType(typ)
	}
	return out, nil
}

func parseQuery(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var q map[string]any
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return nil, fmt.Errorf("--query must be a JSON object: %w", err)
	}
	return q, nil
}
