package server

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	if s == nil {
		return 0
	}
	return s.GetFields()[key].GetNumberValue()
}

func stringList(s *structpb.Struct, key string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		if str := v.GetStringValue(); str != "" {
			out = append(out, str)
		}
	}
	return out
}

func taskMap(t *entity.Task) map[string]any {
	m := map[string]any{
		"task_id":    t.ID,
		"state":      string(t.State),
		"status":     t.State.DisplayStatus(),
		"progress":   t.Progress,
		"message":    t.Message,
		"documents":  t.Documents,
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.StartedAt != nil {
		m["started_at"] = t.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.FinishedAt != nil {
		m["finished_at"] = t.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func taskStruct(t *entity.Task) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(taskMap(t))
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return out, nil
}

// toStruct converts any JSON-encodable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return out, nil
}
