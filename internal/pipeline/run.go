package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/echotrail/internal/telemetry"
)

var tracer = telemetry.Tracer("echotrail/pipeline")

// Run executes stages in order, feeding each the previous stage's output.
//
// On the first failure Run stops and returns the context as of the last
// successful stage together with a *StageError. Every stage that starts is
// timed into the profile, including the one that failed. A cancelled ctx
// stops the pipeline before the next stage starts.
func Run(ctx context.Context, initial Context, stages []Stage) (Context, error) {
	if initial.Profile == nil {
		initial.Profile = NewProfile()
	}
	cur := initial

	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return cur, &StageError{Stage: st.Name(), Index: i, Err: err}
		}

		start := time.Now()
		next, err := runStage(ctx, st, i, cur)
		timing := StageTiming{Stage: st.Name(), Index: i, Duration: time.Since(start)}
		if err != nil {
			timing.Error = err.Error()
		}
		cur.Profile.add(timing)

		if err != nil {
			return cur, &StageError{Stage: st.Name(), Index: i, Err: err}
		}

		// A stage may build its result from scratch; the profile and file
		// identity belong to the run.
		next.Profile = cur.Profile
		next.RawFile = cur.RawFile
		next.reached = st.Name()
		cur = next
	}
	return cur, nil
}

func runStage(ctx context.Context, st Stage, index int, c Context) (out Context, err error) {
	ctx, span := tracer.Start(ctx, "stage "+st.Name(),
		trace.WithAttributes(
			attribute.String("echotrail.stage", st.Name()),
			attribute.Int("echotrail.stage.index", index),
			attribute.String("echotrail.raw_file_id", c.RawFile.ID),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStagePanic, r)
			span.AddEvent("panic", trace.WithAttributes(
				attribute.String("stack", string(debug.Stack())),
			))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return st.Run(ctx, c)
}
