package models

import (
	"time"
)

// Audit stages of a dispatched tool call
const (
	StageParse     = "parse"
	StagePin       = "pin"
	StageTask      = "task"
	StagePrepare   = "prepare"
	StagePoll      = "poll"
	StageReimburse = "reimburse"
	StageConfirm   = "confirm"
)

// AuditEvent is one stage outcome of a tool call, stored in ClickHouse
type AuditEvent struct {
	EventTime time.Time `json:"eventTime" ch:"event_time"`
	UserID    string    `json:"userId" ch:"user_id"`
	ChatID    string    `json:"chatId" ch:"chat_id"`
	Tool      string    `json:"tool" ch:"tool"`
	Stage     string    `json:"stage" ch:"stage"`
	Status    string    `json:"status" ch:"status"`
	RefID     string    `json:"refId" ch:"ref_id"`
	Detail    string    `json:"detail" ch:"detail"`
}
