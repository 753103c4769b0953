package model

import "time"

// DeferredStart describes an exam window that has not opened yet.
type DeferredStart struct {
	ExamRef       string    `json:"exam_ref"`
	WindowOpensAt time.Time `json:"window_opens_at"`
}
