package results

import (
	"context"
	"errors"

	"github.com/signalsfoundry/mikrotune/internal/logging"
	"github.com/signalsfoundry/mikrotune/model"
)

// Envelope is the JSON document published to every export sink.
type Envelope struct {
	RunID  string       `json:"run_id"`
	Record model.Record `json:"record"`
}

// Sink receives each record after it has been written to the results file.
type Sink interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

type namedSink struct {
	name string
	sink Sink
}

// Publisher fans records out to every registered sink. Sink failures are
// logged and never returned: exports must not stop a sweep.
type Publisher struct {
	sinks []namedSink
	log   logging.Logger
}

// NewPublisher constructs an empty publisher.
func NewPublisher(log logging.Logger) *Publisher {
	if log == nil {
		log = logging.Noop()
	}
	return &Publisher{log: log}
}

// Add registers a sink under name.
func (p *Publisher) Add(name string, s Sink) {
	if s == nil {
		return
	}
	p.sinks = append(p.sinks, namedSink{name: name, sink: s})
}

// Len returns the number of registered sinks.
func (p *Publisher) Len() int { return len(p.sinks) }

// Publish sends rec to all sinks, tagging it with the context's run_id.
func (p *Publisher) Publish(ctx context.Context, rec model.Record) {
	if p == nil || len(p.sinks) == 0 {
		return
	}
	env := Envelope{RunID: logging.RunIDFromContext(ctx), Record: rec}
	for _, s := range p.sinks {
		if err := s.sink.Publish(ctx, env); err != nil {
			p.log.Warn(ctx, "export sink publish failed",
				logging.String("sink", s.name),
				logging.Int("frequency_mhz", rec.FrequencyMHz),
				logging.Err(err),
			)
		}
	}
}

// Close closes every sink and joins their errors.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, s := range p.sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
