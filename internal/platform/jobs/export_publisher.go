package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"finitefield.org/colour-visualiser/internal/export"
)

// PubSubExportPublisher hands export requests to the downstream mailer through a Pub/Sub topic.
type PubSubExportPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubExportPublisher constructs a Pub/Sub backed export deliverer.
func NewPubSubExportPublisher(topic *pubsub.Topic) (*PubSubExportPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub export publisher: topic is required")
	}
	return &PubSubExportPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// Deliver publishes the export request and waits for the server acknowledgement.
func (p *PubSubExportPublisher) Deliver(ctx context.Context, req export.Request) (export.Receipt, error) {
	if p == nil || p.topic == nil {
		return export.Receipt{}, errors.New("pubsub export publisher: not initialised")
	}

	data, err := p.marshal(req)
	if err != nil {
		return export.Receipt{}, fmt.Errorf("marshal export request: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "exportId", req.ExportID)
	setAttr(attrs, "roomType", req.SelectionSnapshot.RoomType)
	setAttr(attrs, "variant", req.SelectionSnapshot.VariantName)
	setAttr(attrs, "brandId", req.SelectionSnapshot.BrandID)
	if !req.RequestedAt.IsZero() {
		attrs["requestedAt"] = req.RequestedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return export.Receipt{}, fmt.Errorf("publish export request: %w", err)
	}
	return export.Receipt{
		Success:   true,
		Message:   "Your colour summary is on its way.",
		Reference: id,
	}, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
