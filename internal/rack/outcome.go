package rack

// Kind identifies which branch of an Outcome a middleware chose.
type Kind int

const (
	KindContinue  Kind = iota // proceed to the next middleware
	KindRetry                 // abandon this pass and restart the pipeline
	KindSynthetic             // replace the response and stop the request phase
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindRetry:
		return "retry"
	case KindSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// Outcome is the value a middleware returns from either phase.
// The zero value is Continue.
type Outcome struct {
	kind     Kind
	response *Response
}

// Continue tells the rack to move on to the next middleware.
func Continue() Outcome {
	return Outcome{kind: KindContinue}
}

// Retry asks the rack to restart the whole pipeline from the first middleware.
func Retry() Outcome {
	return Outcome{kind: KindRetry}
}

// Synthetic replaces the in-flight response with resp and ends the request
// phase. Only valid from OnRequest.
func Synthetic(resp *Response) Outcome {
	return Outcome{kind: KindSynthetic, response: resp}
}

// Kind reports which branch the outcome holds.
func (o Outcome) Kind() Kind {
	return o.kind
}

// Response returns the synthetic response, or nil for other kinds.
func (o Outcome) Response() *Response {
	if o.kind != KindSynthetic {
		return nil
	}
	return o.response
}
