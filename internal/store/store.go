package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/oms"
	"main/internal/schema"
)

// Store persists all trading state in PostgreSQL through gorm. One instance
// backs the order engine, the consolidator and the reconciler.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table the store owns.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&strategyRow{},
		&orderRow{},
		&transactionRow{},
		&positionRow{},
		&targetRow{},
		&stagedCommissionRow{},
		&barRow{},
		&notificationRow{},
	)
}

func (s *Store) SaveOrder(ctx context.Context, order *schema.Order) error {
	row := orderToRow(order)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "perm_id"}, {Name: "order_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (s *Store) DeleteOrder(ctx context.Context, key schema.OrderKey) error {
	return s.db.WithContext(ctx).
		Where("perm_id = ? AND order_id = ?", key.PermID, key.OrderID).
		Delete(&orderRow{}).Error
}

func (s *Store) ApplyExecution(ctx context.Context, apply oms.ExecutionApply) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if apply.ConsumeStaged {
			if err := tx.Where("exec_id = ?", apply.Transaction.ExecID).
				Delete(&stagedCommissionRow{}).Error; err != nil {
				return fmt.Errorf("consume staged commission: %w", err)
			}
		}

		txRow := transactionToRow(apply.Transaction)
		if err := tx.Create(&txRow).Error; err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		if apply.Order != nil {
			key := apply.Order.Key
			if apply.OrderDone {
				if err := tx.Where("perm_id = ? AND order_id = ?", key.PermID, key.OrderID).
					Delete(&orderRow{}).Error; err != nil {
					return fmt.Errorf("delete filled order: %w", err)
				}
			} else {
				row := orderToRow(apply.Order)
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "perm_id"}, {Name: "order_id"}},
					UpdateAll: true,
				}).Create(&row).Error; err != nil {
					return fmt.Errorf("update order: %w", err)
				}
			}
		}

		posRow := positionToRow(apply.Position)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "strategy"}, {Name: "contract_key"}},
			UpdateAll: true,
		}).Create(&posRow).Error; err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
		return nil
	})
}

func (s *Store) SetTransactionFee(ctx context.Context, execID string, fee decimal.Decimal) (bool, error) {
	res := s.db.WithContext(ctx).Model(&transactionRow{}).
		Where("exec_id = ? AND fee IS NULL", execID).
		Update("fee", fee)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) SaveStagedCommission(ctx context.Context, staged schema.StagedCommission) error {
	row := stagedCommissionRow{ExecID: staged.ExecID, Fee: staged.Fee}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "exec_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (s *Store) SavePosition(ctx context.Context, position schema.Position) error {
	row := positionToRow(position)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "strategy"}, {Name: "contract_key"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (s *Store) SaveStrategy(ctx context.Context, strategy schema.Strategy) error {
	row := strategyRow{
		Name:           strategy.Name,
		Capital:        strategy.Capital,
		InitialCapital: strategy.InitialCapital,
		Status:         strategy.Status.String(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (s *Store) SaveTarget(ctx context.Context, target schema.TargetPosition) error {
	symbol, exchange, secType, expiry, multiplier, right, strike := contractColumns(target.Contract)
	row := targetRow{
		Strategy:    target.Strategy,
		ContractKey: string(target.Contract.Key()),
		Symbol:      symbol,
		Exchange:    exchange,
		SecType:     secType,
		Expiry:      expiry,
		Strike:      strike,
		Multiplier:  multiplier,
		Right:       right,
		Quantity:    target.Quantity,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "strategy"}, {Name: "contract_key"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (s *Store) SaveBar(ctx context.Context, contract schema.ContractKey, interval time.Duration, bar schema.Bar) error {
	row := barRow{
		ContractKey: string(contract),
		IntervalSec: int64(interval / time.Second),
		Time:        bar.Time,
		Open:        bar.Open,
		High:        bar.High,
		Low:         bar.Low,
		Close:       bar.Close,
		Volume:      bar.Volume,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contract_key"}, {Name: "interval_sec"}, {Name: "time"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

func (s *Store) LoadOpenOrders(ctx context.Context) ([]*schema.Order, error) {
	var rows []orderRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*schema.Order, 0, len(rows))
	for i := range rows {
		out = append(out, orderFromRow(&rows[i]))
	}
	return out, nil
}

func (s *Store) LoadPositions(ctx context.Context) ([]schema.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]schema.Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, schema.Position{
			Strategy: row.Strategy,
			Contract: contractFrom(row.Symbol, row.Exchange, row.SecType, row.Expiry, row.Multiplier, row.Right, row.Strike),
			Quantity: row.Quantity,
			AvgPrice: row.AvgPrice,
		})
	}
	return out, nil
}

func (s *Store) LoadExecutions(ctx context.Context) (map[string]bool, error) {
	var rows []struct {
		ExecID string
		FeeSet bool
	}
	if err := s.db.WithContext(ctx).Model(&transactionRow{}).
		Select("exec_id, fee IS NOT NULL AS fee_set").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		out[row.ExecID] = row.FeeSet
	}
	return out, nil
}

func (s *Store) LoadStagedCommissions(ctx context.Context) ([]schema.StagedCommission, error) {
	var rows []stagedCommissionRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]schema.StagedCommission, 0, len(rows))
	for _, row := range rows {
		out = append(out, schema.StagedCommission{ExecID: row.ExecID, Fee: row.Fee})
	}
	return out, nil
}

func (s *Store) LoadStrategies(ctx context.Context) ([]schema.Strategy, error) {
	var rows []strategyRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]schema.Strategy, 0, len(rows))
	for _, row := range rows {
		out = append(out, schema.Strategy{
			Name:           row.Name,
			Capital:        row.Capital,
			InitialCapital: row.InitialCapital,
			Status:         schema.ParseStrategyStatus(row.Status),
		})
	}
	return out, nil
}

func (s *Store) LoadTargets(ctx context.Context) ([]schema.TargetPosition, error) {
	var rows []targetRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]schema.TargetPosition, 0, len(rows))
	for _, row := range rows {
		out = append(out, schema.TargetPosition{
			Strategy: row.Strategy,
			Contract: contractFrom(row.Symbol, row.Exchange, row.SecType, row.Expiry, row.Multiplier, row.Right, row.Strike),
			Quantity: row.Quantity,
		})
	}
	return out, nil
}

// Notify records a notification and logs it. The table is the delivery
// channel; external push is out of scope here.
func (s *Store) Notify(ctx context.Context, title, body string) error {
	logs.Warnf("notification: %s: %s", title, body)
	row := notificationRow{Time: time.Now().UTC(), Title: title, Body: body}
	return s.db.WithContext(ctx).Create(&row).Error
}

func orderToRow(order *schema.Order) orderRow {
	symbol, exchange, secType, expiry, multiplier, right, strike := contractColumns(order.Contract)
	return orderRow{
		PermID:      order.Key.PermID,
		OrderID:     order.Key.OrderID,
		Strategy:    order.Strategy,
		ContractKey: string(order.Contract.Key()),
		Symbol:      symbol,
		Exchange:    exchange,
		SecType:     secType,
		Expiry:      expiry,
		Strike:      strike,
		Multiplier:  multiplier,
		Right:       right,
		Side:        order.Side.String(),
		Kind:        order.Kind.String(),
		LimitPrice:  order.LimitPrice,
		Quantity:    order.Quantity,
		Filled:      order.Filled,
		Executed:    order.Executed,
		State:       order.State.String(),
		Executions:  encodeExecutions(order),
		SubmittedAt: order.SubmittedAt,
	}
}

func orderFromRow(row *orderRow) *schema.Order {
	return &schema.Order{
		Key:         schema.OrderKey{PermID: row.PermID, OrderID: row.OrderID},
		Strategy:    row.Strategy,
		Contract:    contractFrom(row.Symbol, row.Exchange, row.SecType, row.Expiry, row.Multiplier, row.Right, row.Strike),
		Side:        schema.ParseOrderSide(row.Side),
		Kind:        schema.ParseOrderKind(row.Kind),
		LimitPrice:  row.LimitPrice,
		Quantity:    row.Quantity,
		Filled:      row.Filled,
		Executed:    row.Executed,
		State:       schema.ParseOrderState(row.State),
		Executions:  decodeExecutions(row.Executions),
		SubmittedAt: row.SubmittedAt,
	}
}

func transactionToRow(tx schema.Transaction) transactionRow {
	symbol, exchange, secType, expiry, multiplier, right, strike := contractColumns(tx.Contract)
	return transactionRow{
		ExecID:      tx.ExecID,
		Strategy:    tx.Strategy,
		ContractKey: string(tx.Contract.Key()),
		Symbol:      symbol,
		Exchange:    exchange,
		SecType:     secType,
		Expiry:      expiry,
		Strike:      strike,
		Multiplier:  multiplier,
		Right:       right,
		PermID:      tx.OrderKey.PermID,
		OrderID:     tx.OrderKey.OrderID,
		Time:        tx.Time,
		Price:       tx.Price,
		Quantity:    tx.Quantity,
		Fee:         tx.Fee,
	}
}

func positionToRow(position schema.Position) positionRow {
	symbol, exchange, secType, expiry, multiplier, right, strike := contractColumns(position.Contract)
	return positionRow{
		Strategy:    position.Strategy,
		ContractKey: string(position.Contract.Key()),
		Symbol:      symbol,
		Exchange:    exchange,
		SecType:     secType,
		Expiry:      expiry,
		Strike:      strike,
		Multiplier:  multiplier,
		Right:       right,
		Quantity:    position.Quantity,
		AvgPrice:    position.AvgPrice,
	}
}
