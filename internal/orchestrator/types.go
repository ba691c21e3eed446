package orchestrator

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified gRPC method names of the Cognitive Orchestrator
const (
	ServiceName       = "lexiq.orchestrator.v1.CognitiveOrchestrator"
	ProcessTextMethod = "/" + ServiceName + "/ProcessText"
)

// TextRequest asks the orchestrator to answer one caller utterance
type TextRequest struct {
	ConversationID string
	Text           string
}

func (r TextRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"conversation_id": r.ConversationID,
		"text":            r.Text,
	})
}

// TextResponse is one streamed piece of the orchestrator's answer
type TextResponse struct {
	TextChunk      string
	ConversationID string
	IsDone         bool
	Error          *Error
}

func responseFromStruct(s *structpb.Struct) TextResponse {
	fields := s.GetFields()
	resp := TextResponse{
		TextChunk:      fields["text_chunk"].GetStringValue(),
		ConversationID: fields["conversation_id"].GetStringValue(),
		IsDone:         fields["is_done"].GetBoolValue(),
	}
	if errField := fields["error"].GetStructValue(); errField != nil {
		resp.Error = &Error{
			Code:    errField.GetFields()["code"].GetStringValue(),
			Message: errField.GetFields()["message"].GetStringValue(),
		}
	}
	return resp
}

// Error is an application error reported inside the response stream
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("orchestrator error %s: %s", e.Code, e.Message)
}
