package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"storeorders/internal/cart"
	"storeorders/internal/models"
	"storeorders/internal/ordering"
	"storeorders/internal/orderstatus"
)

func newOrderCommand(app func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place and manage orders",
	}
	cmd.AddCommand(
		newOrderPlaceCommand(app),
		newOrderShowCommand(app),
		newOrderStatusCommand(app),
	)
	return cmd
}

// parseItem reads product:quantity[:unit_price]. The price only feeds the
// local preview; the server prices the order from its catalogue.
func parseItem(s string) (models.Product, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return models.Product{}, 0, fmt.Errorf("item %q: want product:quantity[:unit_price]", s)
	}
	qty, err := strconv.Atoi(parts[1])
	if err != nil {
		return models.Product{}, 0, fmt.Errorf("item %q: quantity: %w", s, err)
	}
	product := models.Product{ID: parts[0], Name: parts[0]}
	if len(parts) == 3 {
		product.Price, err = decimal.NewFromString(parts[2])
		if err != nil {
			return models.Product{}, 0, fmt.Errorf("item %q: unit price: %w", s, err)
		}
	}
	return product, qty, nil
}

func buildCart(items []string) (*cart.Cart, error) {
	c := cart.New()
	for _, item := range items {
		product, qty, err := parseItem(item)
		if err != nil {
			return nil, err
		}
		if err := c.Add(product, qty); err != nil {
			return nil, fmt.Errorf("item %q: %w", item, err)
		}
	}
	return c, nil
}

func newOrderPlaceCommand(app func() *app) *cobra.Command {
	var (
		storeID string
		items   []string
		notes   string
		key     string
	)
	cmd := &cobra.Command{
		Use:   "place",
		Short: "Submit a new order",
		Example: `  storectl order place --item sku-1:2 --item sku-9:1
  storectl order place --store s1 --item sku-1:2:4.50 --idempotency-key retry-17`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			c, err := buildCart(items)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.requireSession(ctx); err != nil {
				return err
			}

			user, _ := a.sessions.Identity()
			if storeID == "" {
				storeID = user.EffectiveStoreID()
			}
			var notesPtr *string
			if notes != "" {
				notesPtr = &notes
			}

			submitter := ordering.NewSubmitter(a.client, a.sessions, a.log)
			var order models.Order
			if key != "" {
				order, err = submitter.PlaceKeyed(ctx, key, c, storeID, notesPtr)
			} else {
				order, err = submitter.Place(ctx, c, storeID, notesPtr)
			}
			if err != nil {
				if ordering.IsRetrySafe(err) {
					return fmt.Errorf("%w (safe to retry)", err)
				}
				if errors.Is(err, ordering.ErrRequestFailed) {
					return fmt.Errorf("%w (the order may have been created; retry with --idempotency-key)", err)
				}
				return err
			}
			c.Clear()

			if len(order.Items) == 0 {
				fmt.Fprintf(a.out, "order %s placed\n", order.ID)
				return nil
			}
			return printOrder(a.out, order)
		},
	}
	f := cmd.Flags()
	f.StringVar(&storeID, "store", "", "store to order for (default: your store)")
	f.StringArrayVarP(&items, "item", "i", nil, "product:quantity[:unit_price], repeatable")
	f.StringVar(&notes, "notes", "", "delivery notes")
	f.StringVar(&key, "idempotency-key", "", "reuse a key from an earlier ambiguous attempt")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func newOrderShowCommand(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ORDER_ID",
		Short: "Print an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			ctx := cmd.Context()
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			token, _ := a.sessions.AccessToken()
			order, err := a.client.GetOrder(ctx, token, args[0])
			if err != nil {
				return err
			}
			return printOrder(a.out, order)
		},
	}
}

func newOrderStatusCommand(app func() *app) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "status ORDER_ID STATUS",
		Short: "Move an order along Pending -> Shipped -> Delivered",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			target, err := models.ParseOrderStatus(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			token, _ := a.sessions.AccessToken()
			order, err := a.client.GetOrder(ctx, token, args[0])
			if err != nil {
				return err
			}

			user, _ := a.sessions.Identity()
			var notesPtr *string
			if notes != "" {
				notesPtr = &notes
			}
			updated, err := ordering.NewStatusUpdater(a.client, a.sessions, a.log).Update(ctx, order, user.Role, target, notesPtr)
			if err != nil {
				if errors.Is(err, orderstatus.ErrForbidden) || errors.Is(err, orderstatus.ErrInvalidTransition) {
					allowed := orderstatus.Allowed(user.Role, order.Status)
					return fmt.Errorf("%w; allowed from %s: %v", err, order.Status, allowed)
				}
				return err
			}
			fmt.Fprintf(a.out, "order %s is now %s\n", updated.ID, updated.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "replace the order notes")
	return cmd
}

func printOrder(out io.Writer, order models.Order) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "order\t%s\t%s\n", order.OrderNumber, order.ID)
	fmt.Fprintf(tw, "store\t%s\n", order.StoreID)
	fmt.Fprintf(tw, "status\t%s\n", order.Status)
	if order.Notes != nil {
		fmt.Fprintf(tw, "notes\t%s\n", *order.Notes)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "PRODUCT\tQTY\tUNIT\tTOTAL")
	for _, item := range order.Items {
		name := item.ProductID
		if item.ProductName != "" {
			name = item.ProductName
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", name, item.Quantity, item.UnitPrice.StringFixed(2), item.TotalPrice.StringFixed(2))
	}
	fmt.Fprintf(tw, "\t\t\t%s\n", order.TotalAmount.StringFixed(2))
	return tw.Flush()
}

func describeRole(role models.Role, storeID string) string {
	if role == models.RoleStore && storeID != "" {
		return "store " + storeID
	}
	return string(role)
}
