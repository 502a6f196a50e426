package responder

import (
	"context"
	"strconv"
)

// InsightsResponder keeps the dispatch table total over the responder
// kinds. Message routing never selects it; analytics requests reach the
// insights service through the query boundary instead. Like the case
// management responder it contributes metadata only.
type InsightsResponder struct{}

func NewInsightsResponder() *InsightsResponder {
	return &InsightsResponder{}
}

func (ir *InsightsResponder) Respond(_ context.Context, in Input) (*Output, error) {
	meta := map[string]string{
		"history_length": strconv.Itoa(len(in.History)),
	}
	if in.Assessment != nil {
		meta["risk_level"] = string(in.Assessment.Level)
	}
	return &Output{Meta: meta}, nil
}
