/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"time"

	"github.com/acronis/go-ratequeue/log"
	"github.com/acronis/go-ratequeue/ratequeue"
)

type echoReply struct {
	Payload     interface{} `json:"payload"`
	ProcessedAt time.Time   `json:"processedAt"`
}

type echoProcessor struct {
	logger log.FieldLogger
	now    func() time.Time
}

func newEchoProcessor(logger log.FieldLogger) *echoProcessor {
	return &echoProcessor{logger: logger, now: time.Now}
}

// replyKey set to false in an object payload makes the processor skip the reply.
const replyKey = "reply"

// Process logs the payload and replies with it, unless the payload is an object with "reply": false.
func (p *echoProcessor) Process(_ context.Context, payload interface{}) (ratequeue.Result, error) {
	p.logger.Info("payload processed", log.Any("payload", payload))
	if obj, ok := payload.(map[string]interface{}); ok {
		if wantReply, ok := obj[replyKey].(bool); ok && !wantReply {
			return ratequeue.NoReply(), nil
		}
	}
	return ratequeue.ReplyWith(echoReply{Payload: payload, ProcessedAt: p.now().UTC()}), nil
}
