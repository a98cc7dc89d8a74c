package market

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"
	storagemysql "AgentMarket-Chain/internal/storage/mysql"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化任务与出价账本。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 控制 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(10 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	if err := storagemysql.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// CreateTask 插入任务并写回自增 ID。
func (s *MySQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.CreatedAt == 0 {
		task.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO market_tasks
        (creator, capability_required, title, description, price, current_bid, assignee, status, result_hash, created_at, deadline, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, 0)`

	res, err := s.db.ExecContext(ctx, stmt,
		task.Creator.Hex(),
		task.CapabilityRequired,
		task.Title,
		task.Description,
		bigString(task.Price),
		bigString(task.CurrentBid),
		assigneeString(task.Assignee),
		task.Status,
		task.CreatedAt,
		task.Deadline,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取任务 ID 失败")
	}
	task.ID = uint64(id)
	return nil
}

// GetTask 查询指定任务。
func (s *MySQLStore) GetTask(ctx context.Context, id uint64) (*Task, error) {
	const stmt = `SELECT id, creator, capability_required, title, description, price, current_bid, assignee, status, result_hash, created_at, deadline, completed_at
        FROM market_tasks WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// UpdateTask 覆盖写回任务记录。
func (s *MySQLStore) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}

	const stmt = `UPDATE market_tasks SET current_bid = ?, assignee = ?, status = ?, result_hash = ?, completed_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		bigString(task.CurrentBid),
		assigneeString(task.Assignee),
		task.Status,
		task.ResultHash,
		task.CompletedAt,
		task.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// RowsAffected 为零也可能是内容未变化，确认记录确实存在。
		if _, getErr := s.GetTask(ctx, task.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// DeleteTask 删除任务记录及其出价，仅用于创建补偿。
func (s *MySQLStore) DeleteTask(ctx context.Context, id uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM market_tasks WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM market_bids WHERE task_id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务出价失败")
	}
	return nil
}

// ListTasks 按创建顺序返回全部任务。
func (s *MySQLStore) ListTasks(ctx context.Context) ([]*Task, error) {
	const stmt = `SELECT id, creator, capability_required, title, description, price, current_bid, assignee, status, result_hash, created_at, deadline, completed_at
        FROM market_tasks ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// PutBid 写入或更新 (taskID, bidder) 键下的出价记录。
func (s *MySQLStore) PutBid(ctx context.Context, bid *Bid) error {
	if bid == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "bid 不能为空")
	}

	const stmt = `INSERT INTO market_bids (task_id, bidder, amount, refunded, placed_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE amount = VALUES(amount), refunded = VALUES(refunded), placed_at = VALUES(placed_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		bid.TaskID,
		bid.Bidder.Hex(),
		bigString(bid.Amount),
		bid.Refunded,
		bid.PlacedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "出价记录键冲突")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入出价失败")
	}
	return nil
}

// ListBids 按金额升序返回任务的全部出价记录。
func (s *MySQLStore) ListBids(ctx context.Context, taskID uint64) ([]*Bid, error) {
	const stmt = `SELECT task_id, bidder, amount, refunded, placed_at
        FROM market_bids WHERE task_id = ? ORDER BY CAST(amount AS DECIMAL(65,0)) ASC, placed_at ASC`

	rows, err := s.db.QueryContext(ctx, stmt, taskID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询出价列表失败")
	}
	defer rows.Close()

	var bids []*Bid
	for rows.Next() {
		var bid Bid
		var bidder, amount string
		if err := rows.Scan(&bid.TaskID, &bidder, &amount, &bid.Refunded, &bid.PlacedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析出价记录失败")
		}
		bid.Bidder = common.HexToAddress(bidder)
		value, err := parseBig(amount)
		if err != nil {
			return nil, err
		}
		bid.Amount = value
		bids = append(bids, &bid)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历出价失败")
	}
	return bids, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var creator, price, currentBid, status string
	var assignee, resultHash sql.NullString

	if err := row.Scan(
		&task.ID,
		&creator,
		&task.CapabilityRequired,
		&task.Title,
		&task.Description,
		&price,
		&currentBid,
		&assignee,
		&status,
		&resultHash,
		&task.CreatedAt,
		&task.Deadline,
		&task.CompletedAt,
	); err != nil {
		return nil, err
	}

	task.Creator = common.HexToAddress(creator)
	task.Status = Status(status)
	if assignee.Valid && strings.TrimSpace(assignee.String) != "" {
		addr := common.HexToAddress(assignee.String)
		task.Assignee = &addr
	}
	if resultHash.Valid {
		task.ResultHash = resultHash.String
	}

	var err error
	if task.Price, err = parseBig(price); err != nil {
		return nil, err
	}
	if task.CurrentBid, err = parseBig(currentBid); err != nil {
		return nil, err
	}
	return &task, nil
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func assigneeString(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Hex()
}

func parseBig(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "金额字段无法解析: "+raw)
	}
	return value, nil
}

var _ Store = (*MySQLStore)(nil)
