package echotrail

import "context"

// Stage is a processing step supplied by an embedder. A Stage registered
// under the name of a built-in stage replaces it; any other name must be
// listed in ECHOTRAIL_STAGES to run.
//
// Returning an error fails the run at this stage. Wrap ErrInputUnusable to
// report that the raw file itself cannot be processed.
type Stage interface {
	Name() string
	Run(ctx context.Context, in StageInput) (StageOutput, error)
}

// Publisher delivers a serialized message to a named channel. It replaces
// the publishers configured with ECHOTRAIL_PUBLISHERS.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
