package server

import (
	"github.com/mbd888/fraudgate/internal/fraud"
	"github.com/mbd888/fraudgate/internal/realtime"
)

// realtimeEventEmitter adapts realtime.Hub to fraud.EventEmitter
type realtimeEventEmitter struct {
	hub *realtime.Hub
}

func (e *realtimeEventEmitter) EmitDecision(tx *fraud.Transaction, result *fraud.Result, source string) {
	signals := make([]string, len(result.Signals))
	for i, sig := range result.Signals {
		signals[i] = string(sig.Type)
	}
	e.hub.BroadcastDecision(&realtime.Decision{
		TransactionID:  result.TransactionID,
		AccountID:      tx.AccountID,
		FraudScore:     result.FraudScore,
		Decision:       string(result.Decision),
		Signals:        signals,
		RequiresReview: result.RequiresReview,
		Source:         source,
	})
}

func (e *realtimeEventEmitter) EmitBlocklistChange(identifier, action string) {
	e.hub.BroadcastBlocklist(identifier, action)
}
