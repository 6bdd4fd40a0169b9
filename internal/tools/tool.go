package tools

import (
	"context"
	"encoding/json"
)

// Tool is one capability the model can invoke: a vendor API wrapper or a
// web fetch. Execute returns the text handed back to the model; errors are
// for failures the model should be told about, not for bad vendor data.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema for the arguments object
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}
