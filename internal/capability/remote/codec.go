// Package remote carries the capability contracts over gRPC. Payloads travel as
// google.protobuf.Struct so the service needs no generated stubs; the JSON
// shape of each message is the JSON encoding of the capability request and
// result types.
package remote

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "advisor.capability.v1.Capability"

	methodClassify = "Classify"
	methodExtract  = "Extract"
	methodQuestion = "Question"
	methodProcess  = "Process"
)

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("convert payload to struct: %w", err)
	}
	return st, nil
}

// fromStruct decodes st into v through its JSON form.
func fromStruct(st *structpb.Struct, v any) error {
	data, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("convert struct to payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// textResult wraps a plain string response.
type textResult struct {
	Text string `json:"text"`
}
