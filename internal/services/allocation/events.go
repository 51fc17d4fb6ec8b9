package allocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/village_water/internal/model/entities"
	"github.com/LeonardoBeccarini/village_water/internal/model/messages"
	"github.com/LeonardoBeccarini/village_water/pkg/rabbitmq"
)

const DefaultEventTopic = "event/waterAllocation/{village}/{farm}"

// MQTTEventPublisher publishes one WaterAllocationEvent per farm (QoS 1).
type MQTTEventPublisher struct {
	pub       rabbitmq.IPublisher
	topicTmpl string
	now       func() time.Time
}

var _ EventPublisher = (*MQTTEventPublisher)(nil)

func NewMQTTEventPublisher(pub rabbitmq.IPublisher, topicTmpl string) *MQTTEventPublisher {
	if strings.TrimSpace(topicTmpl) == "" {
		topicTmpl = DefaultEventTopic
	}
	return &MQTTEventPublisher{pub: pub, topicTmpl: topicTmpl, now: time.Now}
}

func (p *MQTTEventPublisher) PublishAllocation(villageID string, strategy Strategy, resp *entities.OptimizeResponse) error {
	if resp == nil {
		return nil
	}
	ts := p.now().UTC()
	var errs []error
	for i, r := range resp.PerFarmReport {
		evt := messages.WaterAllocationEvent{
			RequestID:       resp.RequestID,
			VillageID:       villageID,
			FarmID:          r.FarmID,
			Strategy:        string(strategy),
			DemandLiters:    r.DemandLiters,
			AllocatedLiters: r.AllocatedLiters,
			DeficitLiters:   r.DeficitLiters,
			Status:          string(r.Status),
			Efficiency:      resp.VillageEfficiencyScore,
			Timestamp:       ts,
		}
		if i < len(resp.Allocations) {
			evt.SharePercent = resp.Allocations[i].SharePercent
		}
		b, err := json.Marshal(evt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		topic := strings.NewReplacer("{village}", villageID, "{farm}", r.FarmID).Replace(p.topicTmpl)
		if err := p.pub.PublishToQos(topic, 1, false, string(b)); err != nil {
			errs = append(errs, fmt.Errorf("farm %s: %w", r.FarmID, err))
		}
	}
	return errors.Join(errs...)
}
