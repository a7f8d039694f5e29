// Package automation dispatches engine decisions to the external
// automation sink. The engine records decisions durably before any
// command leaves the process; dispatch is best-effort with retry.
package automation

import (
	"context"
	"encoding/json"
	"time"
)

// Automation actions the engine may request.
const (
	ActionPauseCampaign  = "pause_campaign"
	ActionResumeCampaign = "resume_campaign"
	ActionOpenPR         = "open_pr"
	ActionAlertOperator  = "alert_operator"
	ActionStopCampaign   = "stop_campaign"
)

// Command is one automation request bound for the external sink.
type Command struct {
	SessionID    string    `json:"sessionId"`
	ProductID    string    `json:"productId,omitempty"`
	Action       string    `json:"action"`
	Reason       string    `json:"reason"`
	Metric       string    `json:"metric,omitempty"`
	CurrentValue *float64  `json:"currentValue,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// JSON serializes the command for transport.
func (c Command) JSON() []byte {
	data, _ := json.Marshal(c)
	return data
}

// Dispatcher delivers automation commands to a sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
	Close() error
}
