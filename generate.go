package creditgate

import "context"

// Generator is the generation backend. The stream callback, when not
// nil, is invoked zero or more times with the cumulative (not
// incremental) text produced so far before Generate returns.
// Generation is the only place a request is allowed to block for long;
// callers bound it with a context deadline.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest, stream func(cumulative string)) (string, error)
}

// GenerationRequest is the request handed to the backend.
type GenerationRequest struct {
	Variant    string
	Prompt     string
	History    []Message
	Attachment string
}
