package orders

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-order-reservation/internal/discount"
	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/jackc/pgx/v5"
)

// SettlementTx is the set of statements the payment settlement runs inside
// one relational transaction.
type SettlementTx interface {
	LockOrder(ctx context.Context, id int64) (*Order, error)
	MarkPaymentFailed(ctx context.Context, id int64, transID, provider string) error
	MarkPaid(ctx context.Context, id int64, transID, provider string) error

	HasOrderProducts(ctx context.Context, orderID int64) (bool, error)
	InsertOrderProducts(ctx context.Context, rows []OrderProduct) error
	OrderProductQuantities(ctx context.Context, orderID int64) (map[int64]int, error)
	CartLines(ctx context.Context, cartID int64) ([]CartLine, error)
	Variants(ctx context.Context, ids []int64) (map[int64]Variant, error)
	DecrementStock(ctx context.Context, variationID int64, qty int) (bool, error)

	HasOrderDiscounts(ctx context.Context, orderID int64) (bool, error)
	Discounts(ctx context.Context, ids []int64) ([]discount.Voucher, error)
	HasUserUsedDiscount(ctx context.Context, customerID, discountID int64) (bool, error)
	InsertOrderDiscount(ctx context.Context, od OrderDiscount) error
	IncrementDiscountUsage(ctx context.Context, discountID int64) error

	ClearCart(ctx context.Context, cartID int64) error
}

// InSettlementTx runs fn in a transaction. fn returning an error rolls back
// everything it did.
func (r *Repo) InSettlementTx(ctx context.Context, fn func(tx SettlementTx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgSettlementTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgSettlementTx struct{ tx pgx.Tx }

func (s *pgSettlementTx) LockOrder(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(s.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.NotFound("order %d", id)
	}
	return o, err
}

func (s *pgSettlementTx) MarkPaymentFailed(ctx context.Context, id int64, transID, provider string) error {
	_, err := s.tx.Exec(ctx, `
		UPDATE orders SET payment_status=$2, order_status=$3,
			payment_transaction_id=$4, payment_provider=$5, payment_method=$5, updated_at=now()
		WHERE id=$1`,
		id, string(PaymentFailed), string(StatusCancelled), transID, provider)
	return err
}

func (s *pgSettlementTx) MarkPaid(ctx context.Context, id int64, transID, provider string) error {
	_, err := s.tx.Exec(ctx, `
		UPDATE orders SET payment_status=$2, order_status=$3,
			payment_transaction_id=$4, payment_provider=$5, payment_method=$5, updated_at=now()
		WHERE id=$1`,
		id, string(PaymentPaid), string(StatusProcessing), transID, provider)
	return err
}

func (s *pgSettlementTx) HasOrderProducts(ctx context.Context, orderID int64) (bool, error) {
	var ok bool
	err := s.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM order_products WHERE order_id=$1)`, orderID).Scan(&ok)
	return ok, err
}

func (s *pgSettlementTx) InsertOrderProducts(ctx context.Context, rows []OrderProduct) error {
	for _, p := range rows {
		if _, err := s.tx.Exec(ctx, `
			INSERT INTO order_products(order_id, product_id, product_item_id, variation_id,
				quantity, unit_price, total_price)
			VALUES ($1,$2,NULLIF($3,0),$4,$5,$6,$7)`,
			p.OrderID, p.ProductID, p.ProductItemID, p.VariationID,
			p.Quantity, p.UnitPrice, p.TotalPrice); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgSettlementTx) OrderProductQuantities(ctx context.Context, orderID int64) (map[int64]int, error) {
	rows, err := s.tx.Query(ctx, `
		SELECT variation_id, SUM(quantity) FROM order_products
		WHERE order_id=$1 GROUP BY variation_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		out[id] = qty
	}
	return out, rows.Err()
}

func (s *pgSettlementTx) CartLines(ctx context.Context, cartID int64) ([]CartLine, error) {
	return cartLines(ctx, s.tx, cartID)
}

func (s *pgSettlementTx) Variants(ctx context.Context, ids []int64) (map[int64]Variant, error) {
	return variants(ctx, s.tx, ids)
}

// DecrementStock only succeeds while the row still has qty available.
func (s *pgSettlementTx) DecrementStock(ctx context.Context, variationID int64, qty int) (bool, error) {
	ct, err := s.tx.Exec(ctx, `
		UPDATE product_variations SET qty_in_stock = qty_in_stock - $2
		WHERE id=$1 AND qty_in_stock >= $2`, variationID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *pgSettlementTx) HasOrderDiscounts(ctx context.Context, orderID int64) (bool, error) {
	var ok bool
	err := s.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM order_discounts WHERE order_id=$1)`, orderID).Scan(&ok)
	return ok, err
}

func (s *pgSettlementTx) Discounts(ctx context.Context, ids []int64) ([]discount.Voucher, error) {
	return discount.ByIDs(ctx, s.tx, ids)
}

func (s *pgSettlementTx) HasUserUsedDiscount(ctx context.Context, customerID, discountID int64) (bool, error) {
	var used bool
	err := s.tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM order_discounts WHERE customer_id=$1 AND discount_id=$2)`,
		customerID, discountID).Scan(&used)
	return used, err
}

func (s *pgSettlementTx) InsertOrderDiscount(ctx context.Context, od OrderDiscount) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO order_discounts(order_id, customer_id, discount_id, discount_amount, applied_at)
		VALUES ($1,$2,$3,$4,$5)`,
		od.OrderID, od.CustomerID, od.DiscountID, od.Amount, od.AppliedAt)
	return err
}

func (s *pgSettlementTx) IncrementDiscountUsage(ctx context.Context, discountID int64) error {
	_, err := s.tx.Exec(ctx, `
		UPDATE discounts SET discount_users_count = discount_users_count + 1, updated_at=now()
		WHERE id=$1`, discountID)
	return err
}

// ClearCart empties the cart's lines and zeroes its aggregates.
func (s *pgSettlementTx) ClearCart(ctx context.Context, cartID int64) error {
	if _, err := s.tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cartID); err != nil {
		return err
	}
	_, err := s.tx.Exec(ctx, `
		UPDATE carts SET cart_count_products=0, cart_total_items=0, cart_subtotal=0, updated_at=now()
		WHERE id=$1`, cartID)
	return err
}
