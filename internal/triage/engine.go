package triage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/sentinel/internal/alert"
	"github.com/linnemanlabs/sentinel/internal/classifier"
	"github.com/linnemanlabs/sentinel/internal/explain"
	"github.com/linnemanlabs/sentinel/internal/features"
)

const tracerName = "github.com/linnemanlabs/sentinel/internal/triage"

// Classifier predicts a severity class from an ordered feature vector.
type Classifier interface {
	Classify(x []float64) (classifier.Prediction, error)
}

// EngineHooks observe classification.
type EngineHooks struct {
	// OnClassify is called after each successful classification.
	OnClassify func(class int, duration time.Duration)
}

// Evaluation is the pure result of encoding, classifying and explaining one alert.
type Evaluation struct {
	Vector      features.Vector
	Class       int
	Confidence  float64
	Explanation string
	Duration    time.Duration
}

// Engine runs the stateless part of triage. It is safe for concurrent use.
type Engine struct {
	codec *features.Codec
	model Classifier
	hooks EngineHooks
}

// NewEngine creates an engine from a feature codec and a loaded model.
func NewEngine(codec *features.Codec, model Classifier, hooks EngineHooks) *Engine {
	return &Engine{codec: codec, model: model, hooks: hooks}
}

// Evaluate encodes al, classifies it and attaches the explanation. It touches
// no stores.
func (e *Engine) Evaluate(ctx context.Context, al *alert.Alert) (*Evaluation, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "triage.classify")
	defer span.End()
	span.SetAttributes(attribute.String("rule.id", al.RuleID()))

	start := time.Now()
	v, err := e.codec.Encode(al)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return nil, err
	}

	pred, err := e.model.Classify(v.Ordered())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classify failed")
		return nil, err
	}
	dur := time.Since(start)

	span.SetAttributes(
		attribute.Int("triage.class", pred.Class),
		attribute.Float64("triage.confidence", pred.Confidence),
	)
	if e.hooks.OnClassify != nil {
		e.hooks.OnClassify(pred.Class, dur)
	}

	return &Evaluation{
		Vector:      v,
		Class:       pred.Class,
		Confidence:  pred.Confidence,
		Explanation: explain.Explain(pred.Class, v),
		Duration:    dur,
	}, nil
}
