package fixtures

import "context"

type Loner struct{}

func (l *Loner) ExecuteInternal(ctx context.Context, task map[string]any) (map[string]any, error) {
	return nil, nil
}
