package cli

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"tokenflow.evalgo.org/orchestrator"
	"tokenflow.evalgo.org/sink"
)

// sinkMonitorAdapter lets a sink.Recorder (CouchDB/Postgres outcome
// persistence) double as an orchestrator.MonitorSink, translating the
// routing-internal TokenOutcome into sink's own decoupled shape.
type sinkMonitorAdapter struct {
	recorder sink.Recorder
}

func (a sinkMonitorAdapter) RecordOutcome(ctx context.Context, outcome orchestrator.TokenOutcome) error {
	return a.recorder.RecordOutcome(ctx, sink.TokenOutcome{
		SequenceID:    outcome.SequenceID,
		ServiceName:   outcome.ServiceName,
		OperationName: outcome.OperationName,
		Phase:         string(outcome.Phase),
		Reason:        outcome.Reason,
		OccurredAt:    outcome.At,
	})
}

// fanOutMonitor reports a terminal outcome to every wired sink. A node
// may run both the AMQP lifecycle publisher and an outcome-persistence
// sink at once; each is an independent pure observer, so one failing
// must not suppress the other.
type fanOutMonitor struct {
	sinks []orchestrator.MonitorSink
}

func (f fanOutMonitor) RecordOutcome(ctx context.Context, outcome orchestrator.TokenOutcome) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.RecordOutcome(ctx, outcome); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("fan-out sink: %w", err)
		}
	}
	return firstErr
}

// combineMonitors returns a single MonitorSink forwarding to every
// non-nil sink given, or nil if none are set.
func combineMonitors(sinks ...orchestrator.MonitorSink) orchestrator.MonitorSink {
	var present []orchestrator.MonitorSink
	for _, s := range sinks {
		if s != nil {
			present = append(present, s)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		return fanOutMonitor{sinks: present}
	}
}

func openSinkRecorder() (sink.Recorder, error) {
	switch backend := viper.GetString("sink_backend"); backend {
	case "couchdb":
		cfg := sink.DefaultCouchDBConfig()
		cfg.URL = viper.GetString("sink_couchdb_url")
		cfg.Username = viper.GetString("sink_couchdb_username")
		cfg.Password = viper.GetString("sink_couchdb_password")
		return sink.NewCouchDBRecorder(cfg)
	case "postgres":
		cfg := sink.DefaultPostgresConfig()
		cfg.DSN = viper.GetString("sink_postgres_dsn")
		return sink.NewPostgresRecorder(cfg)
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("cli: unknown sink backend %q", backend)
	}
}
