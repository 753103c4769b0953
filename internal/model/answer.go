package model

import (
	"encoding/json"
)

// AnswerRecord holds the current answer for one question.
// Value is opaque: a choice key, a boolean or free text, depending on the question type.
type AnswerRecord struct {
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`

	Dirty    bool   `json:"-"`
	Revision uint64 `json:"-"`
}

// UpdateAnswersRequest is the payload of the partial-update endpoint.
type UpdateAnswersRequest struct {
	Answers []AnswerRecord `json:"answers"`
}
