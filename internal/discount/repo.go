package discount

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGRepository struct{ DB *pgxpool.Pool }

const voucherColumns = `id, discount_code, discount_name, discount_type, discount_value,
	discount_max_uses, discount_users_count, discount_min_order_value,
	discount_start, discount_end, active`

func scanVoucher(row pgx.Row) (Voucher, error) {
	var v Voucher
	var typ string
	err := row.Scan(&v.ID, &v.Code, &v.Name, &typ, &v.Value,
		&v.MaxUses, &v.UsersCount, &v.MinOrderValue,
		&v.Start, &v.End, &v.Active)
	v.Type = Type(typ)
	return v, err
}

func (r *PGRepository) ActiveByTypes(ctx context.Context, types []Type, now time.Time) ([]Voucher, error) {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	rows, err := r.DB.Query(ctx, `
		SELECT `+voucherColumns+`
		FROM discounts
		WHERE active AND discount_type = ANY($1)
		  AND discount_start <= $2 AND discount_end >= $2
		ORDER BY discount_end ASC, id ASC`, names, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PGRepository) ActiveByCode(ctx context.Context, code string, now time.Time) (*Voucher, error) {
	v, err := scanVoucher(r.DB.QueryRow(ctx, `
		SELECT `+voucherColumns+`
		FROM discounts
		WHERE discount_code = $1 AND active
		  AND discount_start <= $2 AND discount_end >= $2`, code, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.NotFound("discount %q", code)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *PGRepository) UsedDiscountIDs(ctx context.Context, userID int64, discountIDs []int64) (map[int64]bool, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT DISTINCT discount_id FROM order_discounts
		WHERE customer_id = $1 AND discount_id = ANY($2)`, userID, discountIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	used := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		used[id] = true
	}
	return used, rows.Err()
}

func (r *PGRepository) HasUserUsed(ctx context.Context, userID, discountID int64) (bool, error) {
	var used bool
	err := r.DB.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM order_discounts WHERE customer_id = $1 AND discount_id = $2)`,
		userID, discountID).Scan(&used)
	return used, err
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ByIDs loads vouchers by id whatever their state, ordered by id.
func ByIDs(ctx context.Context, q Querier, ids []int64) ([]Voucher, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, `SELECT `+voucherColumns+` FROM discounts WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
