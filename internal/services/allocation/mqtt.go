package allocation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/village_water/internal/model/messages"
	"github.com/LeonardoBeccarini/village_water/pkg/dedup"
	"github.com/LeonardoBeccarini/village_water/pkg/rabbitmq"
)

const (
	DefaultRequestTopic = "village/allocation/request/#"
	DefaultReplyTopic   = "event/waterAllocation/{village}/result"
)

type RequestHandlerConfig struct {
	ReplyTopic string        // {village} is replaced
	Timeout    time.Duration // per batch
	Dedup      *dedup.Deduper
	Logger     *zap.Logger
}

// RequestHandler serves allocation requests arriving on
// village/allocation/request/{village} and replies on ReplyTopic.
type RequestHandler struct {
	engine *Engine
	pub    rabbitmq.IPublisher
	cfg    RequestHandlerConfig
	log    *zap.Logger
	now    func() time.Time
}

func NewRequestHandler(engine *Engine, pub rabbitmq.IPublisher, cfg RequestHandlerConfig) *RequestHandler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.ReplyTopic) == "" {
		cfg.ReplyTopic = DefaultReplyTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Dedup == nil {
		cfg.Dedup = dedup.New(10*time.Minute, 10000)
	}
	return &RequestHandler{engine: engine, pub: pub, cfg: cfg, log: cfg.Logger, now: time.Now}
}

// Handle is a rabbitmq.Handler. Batch failures are answered on the reply
// topic, only transport errors are returned.
func (h *RequestHandler) Handle(topic string, msg mqtt.Message) error {
	payload := msg.Payload()
	// solo le ritrasmissioni del broker vengono scartate, un nuovo publish identico è un retry
	if seen := !h.cfg.Dedup.ShouldProcess(redeliveryKey(topic, msg)); seen && msg.Duplicate() {
		h.log.Debug("duplicate allocation request dropped",
			zap.String("topic", topic), zap.Uint16("message_id", msg.MessageID()))
		return nil
	}
	village := villageFromTopic(topic)
	id := uuid.NewString()

	req, err := DecodeRequest(bytes.NewReader(payload))
	if err != nil {
		return h.replyError(village, id, err)
	}
	switch strings.TrimSpace(req.VillageID) {
	case "":
		req.VillageID = village
	case village:
	default:
		return h.replyError(village, id, &ValidationError{Field: "village_id", Reason: "does not match request topic"})
	}

	ctx, cancel := context.WithTimeout(WithRequestID(context.Background(), id), h.cfg.Timeout)
	defer cancel()
	resp, err := h.engine.Optimize(ctx, req)
	if err != nil {
		return h.replyError(village, id, err)
	}

	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return h.pub.PublishToQos(h.replyTopic(village), 1, false, string(b))
}

func (h *RequestHandler) replyError(village, requestID string, cause error) error {
	_, body := ErrorFor(cause)
	evt := messages.AllocationErrorEvent{
		RequestID: requestID,
		VillageID: village,
		Error:     body.Error,
		Field:     body.Field,
		FarmID:    body.FarmID,
		Timestamp: h.now().UTC(),
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := h.pub.PublishToQos(h.replyTopic(village), 1, false, string(b)); err != nil {
		return fmt.Errorf("reply error for village %s: %w", village, err)
	}
	return nil
}

func (h *RequestHandler) replyTopic(village string) string {
	return strings.ReplaceAll(h.cfg.ReplyTopic, "{village}", village)
}

func redeliveryKey(topic string, msg mqtt.Message) string {
	return topic + "|" + strconv.Itoa(int(msg.MessageID())) + "|" + dedup.PayloadKey(msg.Payload())
}

// village/allocation/request/<village> -> <village>
func villageFromTopic(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) >= 4 && parts[3] != "" {
		return parts[3]
	}
	return DefaultVillageID
}
