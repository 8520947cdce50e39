package temporal

import (
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// TemporalAdapter routes Temporal SDK logs to zerolog.
type TemporalAdapter struct {
	logger zerolog.Logger
}

var _ log.WithLogger = (*TemporalAdapter)(nil)

func NewTemporalAdapter(logger zerolog.Logger) log.Logger {
	return &TemporalAdapter{
		logger: logger.With().Str("component", "temporal").Logger(),
	}
}

type field struct {
	key   string
	value interface{}
}

// fields pairs up keyvals. A trailing key without a value gets a
// placeholder value.
func fields(keyvals []interface{}) []field {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	out := make([]field, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "INVALID_KEY"
		}
		out = append(out, field{key: key, value: keyvals[i+1]})
	}
	return out
}

// With returns an adapter that adds keyvals to every entry.
func (a *TemporalAdapter) With(keyvals ...interface{}) log.Logger {
	ctx := a.logger.With()
	for _, f := range fields(keyvals) {
		ctx = ctx.Interface(f.key, f.value)
	}
	return &TemporalAdapter{logger: ctx.Logger()}
}

func (a *TemporalAdapter) withKeyvals(event *zerolog.Event, keyvals ...interface{}) *zerolog.Event {
	for _, f := range fields(keyvals) {
		event = event.Interface(f.key, f.value)
	}
	return event
}

func (a *TemporalAdapter) Debug(msg string, keyvals ...interface{}) {
	a.withKeyvals(a.logger.Debug(), keyvals...).Msg(msg)
}

func (a *TemporalAdapter) Info(msg string, keyvals ...interface{}) {
	a.withKeyvals(a.logger.Info(), keyvals...).Msg(msg)
}

func (a *TemporalAdapter) Warn(msg string, keyvals ...interface{}) {
	a.withKeyvals(a.logger.Warn(), keyvals...).Msg(msg)
}

func (a *TemporalAdapter) Error(msg string, keyvals ...interface{}) {
	a.withKeyvals(a.logger.Error(), keyvals...).Msg(msg)
}
