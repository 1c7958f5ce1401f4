package tasks

import (
	"bytes"
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"storeorders/internal/models"
	"storeorders/internal/queue"
)

type ManifestWriter interface {
	PutManifest(ctx context.Context, orderID string, body []byte) error
}

// Processor renders an order manifest for every order event. The manifest
// reflects the order as carried by the event, so a status change re-renders
// it with the new status.
type Processor struct {
	manifests ManifestWriter
	logger    zerolog.Logger
}

func NewProcessor(manifests ManifestWriter, logger zerolog.Logger) *Processor {
	return &Processor{
		manifests: manifests,
		logger:    logger,
	}
}

func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	event, err := queue.DecodeEvent(msg)
	if err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	switch event.Type {
	case queue.EventOrderCreated, queue.EventOrderStatusChanged:
		return p.handleManifest(ctx, event)
	default:
		p.logger.Warn().Str("type", event.Type).Msg("unknown event type")
		return nil
	}
}

func (p *Processor) handleManifest(ctx context.Context, event queue.Event) error {
	if event.Order.ID == "" {
		p.logger.Warn().Str("type", event.Type).Msg("event without order id, skipping")
		return nil
	}
	body, err := RenderManifest(event.Order)
	if err != nil {
		return err
	}
	if err := p.manifests.PutManifest(ctx, event.Order.ID, body); err != nil {
		return err
	}
	p.logger.Info().
		Str("order_id", event.Order.ID).
		Str("status", event.Order.Status.String()).
		Msg("manifest written")
	return nil
}

// RenderManifest prints the order with the prices frozen at creation.
func RenderManifest(order models.Order) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ORDER MANIFEST\n")
	fmt.Fprintf(&buf, "Order number: %s\n", order.OrderNumber)
	fmt.Fprintf(&buf, "Order ID:     %s\n", order.ID)
	fmt.Fprintf(&buf, "Store:        %s\n", order.StoreID)
	fmt.Fprintf(&buf, "Status:       %s\n", order.Status)
	fmt.Fprintf(&buf, "Placed:       %s\n", order.CreatedAt.UTC().Format(time.RFC3339))
	if order.Notes != nil && *order.Notes != "" {
		fmt.Fprintf(&buf, "Notes:        %s\n", *order.Notes)
	}
	buf.WriteString("\n")

	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tProduct\tName\tQty\tUnit price\tLine total\t")
	for i, item := range order.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t\n",
			i+1, item.ProductID, item.ProductName, item.Quantity,
			item.UnitPrice.StringFixed(2), item.TotalPrice.StringFixed(2))
	}
	if err := tw.Flush(); err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}

	fmt.Fprintf(&buf, "\nTotal: %s\n", order.TotalAmount.StringFixed(2))
	return buf.Bytes(), nil
}
