// Package repository содержит реализации хранилища данных сервиса фулфилмента.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/fulfillment-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrItemNotFound возвращается, если товарная позиция не найдена.
	ErrItemNotFound = errors.New("item not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrNotificationNotFound возвращается, если уведомление не найдено.
	ErrNotificationNotFound = errors.New("notification not found")
)

// PostgresStore предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт новое хранилище и инициализирует схему БД через миграции.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Ретраи полезны для Serialization Failure и Deadlocks.
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, email, balance, status, bonus_points, created_at
		 FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Balance, &u.Status, &u.BonusPoints, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// UpdateUser сохраняет изменяемые поля пользователя. Запись блокируется
// на время транзакции, чтобы параллельные списания не потеряли обновления.
func (s *PostgresStore) UpdateUser(ctx context.Context, u *model.User) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, u.ID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET name = $2, email = $3, balance = $4, status = $5, bonus_points = $6
			 WHERE id = $1`,
			u.ID, u.Name, u.Email, u.Balance, u.Status, u.BonusPoints,
		)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetItem возвращает товарную позицию по идентификатору.
func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.InventoryItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, price, stock FROM inventory WHERE id = $1`,
		id,
	)

	var it model.InventoryItem
	err := row.Scan(&it.ID, &it.Name, &it.Price, &it.Stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}

	return &it, nil
}

// UpdateItem сохраняет изменяемые поля товарной позиции под блокировкой строки.
func (s *PostgresStore) UpdateItem(ctx context.Context, it *model.InventoryItem) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM inventory WHERE id = $1 FOR UPDATE`, it.ID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrItemNotFound
			}
			return fmt.Errorf("lock item for update: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE inventory SET name = $2, price = $3, stock = $4 WHERE id = $1`,
			it.ID, it.Name, it.Price, it.Stock,
		)
		if err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CreateOrder сохраняет новый заказ.
func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders
		   (id, number, user_id, item_id, quantity, total_amount, status, payment_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.Number, o.UserID, o.ItemID, o.Quantity, o.TotalAmount,
		string(o.Status), string(o.PaymentStatus), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, number, user_id, item_id, quantity, total_amount,
		        status, payment_status, transaction_id, created_at, completed_at, paid_at
		 FROM orders WHERE id = $1`,
		id,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// UpdateOrder сохраняет изменяемые поля заказа.
func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	var txnID *string
	if o.TransactionID != "" {
		txnID = &o.TransactionID
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2, payment_status = $3, transaction_id = $4, completed_at = $5, paid_at = $6
		 WHERE id = $1`,
		o.ID, string(o.Status), string(o.PaymentStatus), txnID, o.CompletedAt, o.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CreateTransaction сохраняет новую денежную операцию.
func (s *PostgresStore) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, order_id, user_id, amount, type, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.OrderID, t.UserID, t.Amount, string(t.Type), t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// CreateNotification сохраняет новое уведомление.
func (s *PostgresStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, order_id, type, title, message, read, email_sent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.UserID, n.OrderID, n.Type, n.Title, n.Message, n.Read, n.EmailSent, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// UpdateNotification сохраняет изменяемые поля уведомления.
func (s *PostgresStore) UpdateNotification(ctx context.Context, n *model.Notification) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read = $2, email_sent = $3 WHERE id = $1`,
		n.ID, n.Read, n.EmailSent,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (s *PostgresStore) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, number, user_id, item_id, quantity, total_amount,
		        status, payment_status, transaction_id, created_at, completed_at, paid_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ListUnsentNotifications возвращает уведомления, по которым ещё не отправлено письмо.
func (s *PostgresStore) ListUnsentNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, order_id, type, title, message, read, email_sent, created_at
		 FROM notifications
		 WHERE NOT email_sent
		 ORDER BY created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var res []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.OrderID, &n.Type, &n.Title,
			&n.Message, &n.Read, &n.EmailSent, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetSnapshot возвращает полное состояние хранилища.
func (s *PostgresStore) GetSnapshot(ctx context.Context) (*model.StateSnapshot, error) {
	snap := &model.StateSnapshot{}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, email, balance, status, bonus_points, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Balance, &u.Status, &u.BonusPoints, &u.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan user: %w", err)
		}
		snap.Users = append(snap.Users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT id, name, price, stock FROM inventory ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select inventory: %w", err)
	}
	for rows.Next() {
		var it model.InventoryItem
		if err := rows.Scan(&it.ID, &it.Name, &it.Price, &it.Stock); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan item: %w", err)
		}
		snap.Inventory = append(snap.Inventory, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, number, user_id, item_id, quantity, total_amount,
		        status, payment_status, transaction_id, created_at, completed_at, paid_at
		 FROM orders ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		snap.Orders = append(snap.Orders, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, order_id, user_id, amount, type, status, created_at FROM transactions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	for rows.Next() {
		var t model.Transaction
		var typ string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Amount, &typ, &t.Status, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		snap.Transactions = append(snap.Transactions, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return snap, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
		pchs   string
		txnID  *string
	)
	err := row.Scan(&o.ID, &o.Number, &o.UserID, &o.ItemID, &o.Quantity, &o.TotalAmount,
		&status, &pchs, &txnID, &o.CreatedAt, &o.CompletedAt, &o.PaidAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentStatus = model.PaymentStatus(pchs)
	if txnID != nil {
		o.TransactionID = *txnID
	}
	return &o, nil
}
