package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repo struct{ DB *pgxpool.Pool }

func NewRepo(db *pgxpool.Pool) *Repo { return &Repo{DB: db} }

const orderColumns = `id, order_number, cart_id, customer_id,
	total_price, total_discount_amount, actual_shipping_fee, net_amount,
	order_status, payment_status,
	COALESCE(payment_provider, ''), COALESCE(payment_method, ''),
	COALESCE(payment_request_id, ''), COALESCE(payment_transaction_id, ''),
	created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status, payStatus string
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CartID, &o.CustomerID,
		&o.TotalPrice, &o.DiscountAmount, &o.ShippingFee, &o.NetAmount,
		&status, &payStatus,
		&o.PaymentProvider, &o.PaymentMethod, &o.PaymentRequestID, &o.PaymentTransactionID,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(payStatus)
	return &o, nil
}

func findOrder(ctx context.Context, q dbtx, where string, arg any) (*Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.NotFound("order %v", arg)
	}
	return o, err
}

// Create inserts a pending order and fills in its generated id.
func (r *Repo) Create(ctx context.Context, o *Order) error {
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = PaymentPending
	}
	return r.DB.QueryRow(ctx, `
		INSERT INTO orders(order_number, cart_id, customer_id,
			total_price, total_discount_amount, actual_shipping_fee, net_amount,
			order_status, payment_status, payment_provider, payment_method)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),NULLIF($11,''))
		RETURNING id, created_at, updated_at`,
		o.OrderNumber, o.CartID, o.CustomerID,
		o.TotalPrice, o.DiscountAmount, o.ShippingFee, o.NetAmount,
		string(o.Status), string(o.PaymentStatus), o.PaymentProvider, o.PaymentMethod,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
}

func (r *Repo) FindByID(ctx context.Context, id int64) (*Order, error) {
	return findOrder(ctx, r.DB, `id=$1`, id)
}

func (r *Repo) FindByNumber(ctx context.Context, number string) (*Order, error) {
	return findOrder(ctx, r.DB, `order_number=$1`, number)
}

// FindOpenByCart returns the newest unpaid pending/confirmed order for the
// cart, or nil when there is none.
func (r *Repo) FindOpenByCart(ctx context.Context, cartID int64) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE cart_id=$1 AND order_status = ANY($2) AND payment_status=$3
		ORDER BY created_at DESC LIMIT 1`,
		cartID, []string{string(StatusPending), string(StatusConfirmed)}, string(PaymentPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// Transition applies the status machine as a conditional update. A false
// result means the order was not in a state allowed to move to `to`.
func (r *Repo) Transition(ctx context.Context, id int64, to Status) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET order_status=$2, updated_at=now()
		WHERE id=$1 AND order_status = ANY($3)`,
		id, string(to), statusStrings(Sources(to)))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// Confirm moves a pending order to confirmed and records the gateway request id.
func (r *Repo) Confirm(ctx context.Context, id int64, requestID string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET order_status=$2, payment_request_id=$3, updated_at=now()
		WHERE id=$1 AND order_status = ANY($4)`,
		id, string(StatusConfirmed), requestID, statusStrings(Sources(StatusConfirmed)))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// CancelIfUnpaid cancels the order only while its payment is still pending.
// A false result means the order had already moved on and nothing changed.
func (r *Repo) CancelIfUnpaid(ctx context.Context, id int64) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET order_status=$2, updated_at=now()
		WHERE id=$1 AND order_status = ANY($3) AND payment_status=$4`,
		id, string(StatusCancelled), statusStrings(Sources(StatusCancelled)), string(PaymentPending))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// ListStaleOpen returns ids above afterID of unpaid open orders created
// before cutoff, in id order. Pass the last id of a page to get the next one.
func (r *Repo) ListStaleOpen(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE order_status = ANY($1) AND payment_status=$2 AND created_at < $3 AND id > $4
		ORDER BY id LIMIT $5`,
		statusStrings(OpenStatuses), string(PaymentPending), cutoff, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindCart returns the user's active cart.
func (r *Repo) FindCart(ctx context.Context, userID int64) (*Cart, error) {
	var c Cart
	err := r.DB.QueryRow(ctx, `
		SELECT id, user_id, status FROM carts
		WHERE user_id=$1 AND status='active'
		ORDER BY id DESC LIMIT 1`, userID).Scan(&c.ID, &c.UserID, &c.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.NotFound("active cart for user %d", userID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) CartLines(ctx context.Context, cartID int64) ([]CartLine, error) {
	return cartLines(ctx, r.DB, cartID)
}

func cartLines(ctx context.Context, q dbtx, cartID int64) ([]CartLine, error) {
	rows, err := q.Query(ctx, `
		SELECT ci.variation_id, pv.product_id, COALESCE(pv.product_item_id, 0),
		       ci.quantity, ci.price, pv.price, pv.qty_in_stock
		FROM cart_items ci
		JOIN product_variations pv ON pv.id = ci.variation_id
		WHERE ci.cart_id=$1
		ORDER BY ci.id`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CartLine
	for rows.Next() {
		var l CartLine
		if err := rows.Scan(&l.VariationID, &l.ProductID, &l.ProductItemID,
			&l.Quantity, &l.CartPrice, &l.UnitPrice, &l.Stock); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// StockByVariations reads the authoritative stock column for each id.
// Unknown ids are absent from the result.
func (r *Repo) StockByVariations(ctx context.Context, ids []int64) (map[int64]int, error) {
	vs, err := variants(ctx, r.DB, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int, len(vs))
	for id, v := range vs {
		out[id] = v.Stock
	}
	return out, nil
}

func variants(ctx context.Context, q dbtx, ids []int64) (map[int64]Variant, error) {
	out := map[int64]Variant{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `
		SELECT id, product_id, COALESCE(product_item_id, 0), price, qty_in_stock
		FROM product_variations WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.ProductItemID, &v.Price, &v.Stock); err != nil {
			return nil, err
		}
		out[v.ID] = v
	}
	return out, rows.Err()
}

// Subtotal sums the authoritative unit price times quantity of every line.
func Subtotal(lines []CartLine) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum
}

// ValidateLines rejects an empty cart and lines the catalog cannot cover.
func ValidateLines(lines []CartLine) error {
	if len(lines) == 0 {
		return faults.Validation("cart is empty")
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			return faults.Validation("variation %d: quantity must be positive", l.VariationID)
		}
		if l.Quantity > l.Stock {
			return fmt.Errorf("%w: variation %d has %d in stock, %d requested",
				faults.ErrInsufficientResource, l.VariationID, l.Stock, l.Quantity)
		}
	}
	return nil
}
